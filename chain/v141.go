package chain

import (
	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	stypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/threefoldtech/minting/types"
)

// Runtime 141 record schemas. Contracts gained a solution provider
// reference; everything else is unchanged from runtime 131.

// contractDataV141 is the contract payload enum of runtime 141, where the
// node contract's deployment hash is a fixed 32 byte hash placed before the
// deployment data.
type contractDataV141 struct {
	variant   byte
	NodeID    uint32
	PublicIPs uint32
	Name      string
}

func (c *contractDataV141) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	c.variant = b
	switch b {
	case 0: // NodeContract
		var nc struct {
			NodeID         uint32
			DeploymentHash [32]byte
			DeploymentData []byte
			PublicIPs      uint32
			PublicIPsList  []wirePublicIP
		}
		if err = decoder.Decode(&nc); err != nil {
			return err
		}
		c.NodeID = nc.NodeID
		c.PublicIPs = nc.PublicIPs
		return nil
	case 1: // NameContract
		return decoder.Decode(&c.Name)
	case 2: // RentContract
		return decoder.Decode(&c.NodeID)
	default:
		return errUnknownVariant("contract data", b)
	}
}

func (c *contractDataV141) kind() types.ContractKind {
	switch c.variant {
	case 1:
		return types.KindNameContract
	case 2:
		return types.KindRentContract
	default:
		return types.KindNodeContract
	}
}

type contractV141 struct {
	State              wireContractState
	ContractID         uint64
	TwinID             uint32
	ContractType       contractDataV141
	SolutionProviderID optionU64
}

func (c *contractV141) toCanonical() *types.Contract {
	return &types.Contract{
		ContractID: c.ContractID,
		TwinID:     c.TwinID,
		Kind:       c.ContractType.kind(),
		NodeID:     c.ContractType.NodeID,
		PublicIPs:  c.ContractType.PublicIPs,
	}
}

type contractCreatedEventV141 struct {
	Phase    stypes.Phase
	Contract contractV141
	Topics   []stypes.Hash
}

// eventRecordsV141 is the full event listing used to decode a block produced
// by runtime 141.
type eventRecordsV141 struct {
	tfchainCommonEvents

	TfgridModule_NodeStored           []nodeStoredEventV123
	TfgridModule_NodeUpdated          []nodeStoredEventV123
	TfgridModule_FarmStored           []farmEventV123
	TfgridModule_FarmUpdated          []farmEventV123
	TfgridModule_TwinStored           []twinEventV123
	TfgridModule_TwinUpdated          []twinEventV123
	TfgridModule_FarmingPolicyStored  []farmingPolicyEventV123
	TfgridModule_FarmingPolicyUpdated []farmingPolicyEventV123

	SmartContractModule_ContractCreated      []contractCreatedEventV141
	SmartContractModule_ContractUpdated      []contractCreatedEventV141
	SmartContractModule_UpdatedUsedResources []usedResourcesEventV115
}

func (e *eventRecordsV141) relevant() []orderedEvent {
	out := e.tfchainCommonEvents.relevant()
	for i := range e.TfgridModule_NodeStored {
		evt := &e.TfgridModule_NodeStored[i]
		out = append(out, orderedEvent{phase: evt.Phase, event: NodeStored{Node: *evt.Node.toCanonical()}})
	}
	for i := range e.TfgridModule_NodeUpdated {
		evt := &e.TfgridModule_NodeUpdated[i]
		out = append(out, orderedEvent{phase: evt.Phase, event: NodeUpdated{Node: *evt.Node.toCanonical()}})
	}
	for i := range e.SmartContractModule_ContractCreated {
		evt := &e.SmartContractModule_ContractCreated[i]
		out = append(out, orderedEvent{phase: evt.Phase, event: ContractCreated{Contract: *evt.Contract.toCanonical()}})
	}
	for i := range e.SmartContractModule_UpdatedUsedResources {
		evt := &e.SmartContractModule_UpdatedUsedResources[i]
		out = append(out, orderedEvent{phase: evt.Phase, event: ContractUsedResourcesUpdated{Resources: *evt.Resources.toCanonical()}})
	}
	return out
}
