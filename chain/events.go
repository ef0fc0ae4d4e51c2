package chain

import (
	"sort"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	stypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// orderedEvent pairs a canonical event with the phase it was emitted in, so
// the per-type event listings produced by the scale decoder can be
// re-serialized into emission order.
type orderedEvent struct {
	phase stypes.Phase
	event Event
}

// sortEvents orders events the way the runtime emitted them. Events are
// grouped per extrinsic on chain, and every minting-relevant extrinsic emits
// at most one relevant event, so ordering by extrinsic index reconstructs
// the wire order. Initialization events sort first, finalization events
// last, matching block execution.
func sortEvents(events []orderedEvent) []Event {
	rank := func(p stypes.Phase) (int, uint32) {
		switch {
		case p.IsInitialization:
			return 0, 0
		case p.IsApplyExtrinsic:
			return 1, p.AsApplyExtrinsic
		default:
			return 2, 0
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		si, ii := rank(events[i].phase)
		sj, ij := rank(events[j].phase)
		if si != sj {
			return si < sj
		}
		return ii < ij
	})
	out := make([]Event, 0, len(events))
	for _, e := range events {
		out = append(out, e.event)
	}
	return out
}

// Version independent event shapes: primitive payloads which never changed
// across the supported runtimes.

type uptimeEvent struct {
	Phase     stypes.Phase
	NodeID    uint32
	Timestamp uint64
	Uptime    uint64
	Topics    []stypes.Hash
}

type powerTargetEvent struct {
	Phase       stypes.Phase
	Farm        uint32
	Node        uint32
	PowerTarget wirePower
	Topics      []stypes.Hash
}

type powerStateEvent struct {
	Phase      stypes.Phase
	Farm       uint32
	Node       uint32
	PowerState wirePowerState
	Topics     []stypes.Hash
}

type nruConsumptionEvent struct {
	Phase  stypes.Phase
	Report nruConsumption
	Topics []stypes.Hash
}

type nruConsumption struct {
	ContractID uint64
	Timestamp  uint64
	Window     uint64
	NRU        uint64
}

// Event shapes which are decoded only to keep the block parseable; minting
// does not act on them.

type contractIDEvent struct {
	Phase      stypes.Phase
	ContractID uint64
	Topics     []stypes.Hash
}

type nodeIDEvent struct {
	Phase  stypes.Phase
	NodeID uint32
	Topics []stypes.Hash
}

type genericIDEvent struct {
	Phase  stypes.Phase
	ID     uint32
	Topics []stypes.Hash
}

type contractBilledEvent struct {
	Phase         stypes.Phase
	ContractID    uint64
	DiscountLevel wireDiscountLevel
	AmountBilled  stypes.U128
	Topics        []stypes.Hash
}

type consumptionReportEvent struct {
	Phase  stypes.Phase
	Report consumptionReport
	Topics []stypes.Hash
}

// consumptionReport is the legacy capacity report, superseded by the
// dedicated used-resources and nru events.
type consumptionReport struct {
	ContractID uint64
	Timestamp  uint64
	CRU        uint64
	SRU        uint64
	HRU        uint64
	MRU        uint64
	NRU        uint64
}

type priceStoredEvent struct {
	Phase  stypes.Phase
	Price  uint32
	Topics []stypes.Hash
}

type zosVersionEvent struct {
	Phase   stypes.Phase
	Version string
	Topics  []stypes.Hash
}

type connectionPriceEvent struct {
	Phase  stypes.Phase
	Price  uint32
	Topics []stypes.Hash
}

type entityEvent struct {
	Phase  stypes.Phase
	Entity wireEntity
	Topics []stypes.Hash
}

type wireEntity struct {
	Version   uint32
	ID        uint32
	Name      []byte
	AccountID accountID
	Country   []byte
	City      []byte
}

type solutionProviderEvent struct {
	Phase    stypes.Phase
	Provider wireSolutionProvider
	Topics   []stypes.Hash
}

type wireSolutionProvider struct {
	SolutionProviderID uint64
	Providers          []wireProvider
	Description        []byte
	Link               []byte
	Approved           bool
}

type wireProvider struct {
	Who  accountID
	Take byte
}

type bridgeMintEvent struct {
	Phase  stypes.Phase
	Target accountID
	Amount stypes.U128
	Topics []stypes.Hash
}

type bridgeBurnEvent struct {
	Phase  stypes.Phase
	Target []byte
	Amount stypes.U128
	Block  uint32
	Topics []stypes.Hash
}

type billingFrequencyEvent struct {
	Phase     stypes.Phase
	Frequency uint64
	Topics    []stypes.Hash
}

// tfchainCommonEvents lists the event shapes shared by every supported
// runtime version, on top of the standard substrate pallets already covered
// by the embedded gsrpc records.
type tfchainCommonEvents struct {
	stypes.EventRecords

	TfgridModule_NodeUptimeReported  []uptimeEvent
	TfgridModule_PowerTargetChanged  []powerTargetEvent
	TfgridModule_PowerStateChanged   []powerStateEvent
	TfgridModule_NodeDeleted         []nodeIDEvent
	TfgridModule_FarmDeleted         []genericIDEvent
	TfgridModule_TwinDeleted         []genericIDEvent
	TfgridModule_ConnectionPriceSet  []connectionPriceEvent
	TfgridModule_ZosVersionUpdated   []zosVersionEvent
	TfgridModule_EntityStored        []entityEvent
	TfgridModule_EntityUpdated       []entityEvent
	TfgridModule_EntityDeleted       []genericIDEvent

	SmartContractModule_NruConsumptionReportReceived []nruConsumptionEvent
	SmartContractModule_ConsumptionReportReceived    []consumptionReportEvent
	SmartContractModule_ContractBilled               []contractBilledEvent
	SmartContractModule_NodeContractCanceled         []contractIDEvent
	SmartContractModule_NameContractCanceled         []contractIDEvent
	SmartContractModule_RentContractCanceled         []contractIDEvent
	SmartContractModule_ContractGracePeriodStarted   []contractIDEvent
	SmartContractModule_ContractGracePeriodEnded     []contractIDEvent
	SmartContractModule_SolutionProviderCreated      []solutionProviderEvent
	SmartContractModule_SolutionProviderApproved     []genericIDEvent
	SmartContractModule_BillingFrequencyChanged      []billingFrequencyEvent

	TFTPriceModule_PriceStored        []priceStoredEvent
	TFTPriceModule_AveragePriceStored []priceStoredEvent

	TFTBridgeModule_MintCompleted              []bridgeMintEvent
	TFTBridgeModule_BurnTransactionCreated     []bridgeBurnEvent
	TFTBridgeModule_BurnTransactionProposed    []bridgeBurnEvent
	TFTBridgeModule_BurnTransactionReady       []genericIDEvent
	TFTBridgeModule_BurnTransactionProcessed   []bridgeBurnEvent
	TFTBridgeModule_RefundTransactionCreated   []bridgeBurnEvent
	TFTBridgeModule_RefundTransactionReady     []genericIDEvent
	TFTBridgeModule_RefundTransactionProcessed []bridgeBurnEvent
}

// relevant extracts the minting-relevant events of the version independent
// set, paired with their phase for later ordering.
func (e *tfchainCommonEvents) relevant() []orderedEvent {
	var out []orderedEvent
	for i := range e.TfgridModule_NodeUptimeReported {
		evt := &e.TfgridModule_NodeUptimeReported[i]
		out = append(out, orderedEvent{phase: evt.Phase, event: NodeUptimeReported{
			NodeID:    evt.NodeID,
			Timestamp: evt.Timestamp,
			Uptime:    evt.Uptime,
		}})
	}
	for i := range e.TfgridModule_PowerTargetChanged {
		evt := &e.TfgridModule_PowerTargetChanged[i]
		out = append(out, orderedEvent{phase: evt.Phase, event: PowerTargetChanged{
			FarmID: evt.Farm,
			NodeID: evt.Node,
			Target: evt.PowerTarget.toCanonical(),
		}})
	}
	for i := range e.TfgridModule_PowerStateChanged {
		evt := &e.TfgridModule_PowerStateChanged[i]
		out = append(out, orderedEvent{phase: evt.Phase, event: PowerStateChanged{
			FarmID: evt.Farm,
			NodeID: evt.Node,
			State:  evt.PowerState.toCanonical(),
		}})
	}
	for i := range e.SmartContractModule_NruConsumptionReportReceived {
		evt := &e.SmartContractModule_NruConsumptionReportReceived[i]
		out = append(out, orderedEvent{phase: evt.Phase, event: NruConsumptionReceived{
			ContractID: evt.Report.ContractID,
			Timestamp:  evt.Report.Timestamp,
			Window:     evt.Report.Window,
			NRU:        evt.Report.NRU,
		}})
	}
	return out
}

// wireDiscountLevel is the billing discount enum.
type wireDiscountLevel struct {
	Level byte
}

func (d *wireDiscountLevel) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	if b > 4 {
		return errUnknownVariant("discount level", b)
	}
	d.Level = b
	return nil
}
