package chain

import (
	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	stypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/threefoldtech/minting/types"
)

// Runtime 115 record schemas. This is the oldest runtime a period can still
// span: records carry an explicit version field, the node location does not
// include city and country, and twins identify themselves with a plain ip
// instead of a relay.

type twinV115 struct {
	Version   uint32
	ID        uint32
	AccountID accountID
	IP        string
	Entities  []wireEntityProof
}

func (t *twinV115) toCanonical() *types.Twin {
	// Pre-relay twins have no relay or public key. The post-replay twin
	// checks do not look at the runtime: a node whose twin still has this
	// shape is flagged for a missing relay.
	return &types.Twin{
		ID:        t.ID,
		AccountID: t.AccountID,
	}
}

type farmV115 struct {
	Version             uint32
	ID                  uint32
	Name                string
	TwinID              uint32
	PricingPolicyID     uint32
	Certification       wireFarmCertification
	PublicIPs           []wirePublicIP
	DedicatedFarm       bool
	FarmingPolicyLimits optionFarmingPolicyLimit
}

func (f *farmV115) toCanonical() *types.Farm {
	return &types.Farm{
		ID:            f.ID,
		Name:          f.Name,
		TwinID:        f.TwinID,
		Certification: f.Certification.toCanonical(),
		DedicatedFarm: f.DedicatedFarm,
	}
}

type nodeV115 struct {
	Version         uint32
	ID              uint32
	FarmID          uint32
	TwinID          uint32
	Resources       wireResources
	Location        wireLocation
	Country         string
	City            string
	PublicConfig    optionPublicConfig
	Created         uint64
	FarmingPolicyID uint32
	Interfaces      []wireInterface
	Certification   wireNodeCertification
	SecureBoot      bool
	Virtualized     bool
	SerialNumber    string
	ConnectionPrice uint32
}

func (n *nodeV115) toCanonical() *types.Node {
	return &types.Node{
		ID:              n.ID,
		FarmID:          n.FarmID,
		TwinID:          n.TwinID,
		Resources:       n.Resources.toCanonical(),
		Location:        types.Location{Longitude: n.Location.Longitude, Latitude: n.Location.Latitude},
		Country:         n.Country,
		City:            n.City,
		Created:         n.Created,
		FarmingPolicyID: n.FarmingPolicyID,
		Certification:   n.Certification.toCanonical(),
		SecureBoot:      n.SecureBoot,
		Virtualized:     n.Virtualized,
		SerialNumber:    n.SerialNumber,
		ConnectionPrice: n.ConnectionPrice,
	}
}

// contractDataV115 is the contract payload enum: node, name or rent.
type contractDataV115 struct {
	variant   byte
	NodeID    uint32
	PublicIPs uint32
	Name      string
}

func (c *contractDataV115) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	c.variant = b
	switch b {
	case 0: // NodeContract
		var nc struct {
			NodeID         uint32
			DeploymentData []byte
			DeploymentHash []byte
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

func (c *contractDataV115) kind() types.ContractKind {
	switch c.variant {
	case 1:
		return types.KindNameContract
	case 2:
		return types.KindRentContract
	default:
		return types.KindNodeContract
	}
}

type contractV115 struct {
	Version      uint32
	State        wireContractState
	ContractID   uint64
	TwinID       uint32
	ContractType contractDataV115
}

func (c *contractV115) toCanonical() *types.Contract {
	return &types.Contract{
		ContractID: c.ContractID,
		TwinID:     c.TwinID,
		Kind:       c.ContractType.kind(),
		NodeID:     c.ContractType.NodeID,
		PublicIPs:  c.ContractType.PublicIPs,
	}
}

type contractResourcesV115 struct {
	ContractID uint64
	Used       wireResources
}

func (c *contractResourcesV115) toCanonical() *types.ContractResources {
	return &types.ContractResources{ContractID: c.ContractID, Used: c.Used.toCanonical()}
}

type farmingPolicyV115 struct {
	Version           uint32
	ID                uint32
	Name              string
	CU                uint32
	SU                uint32
	NU                uint32
	IPv4              uint32
	MinimalUptime     uint16
	PolicyCreated     uint32
	PolicyEnd         uint32
	Immutable         bool
	Default           bool
	NodeCertification wireNodeCertification
	FarmCertification wireFarmCertification
}

func (p *farmingPolicyV115) toCanonical() *types.FarmPolicy {
	return &types.FarmPolicy{
		ID:            p.ID,
		Name:          p.Name,
		CU:            p.CU,
		SU:            p.SU,
		NU:            p.NU,
		IPv4:          p.IPv4,
		MinimalUptime: p.MinimalUptime,
		PolicyCreated: p.PolicyCreated,
		PolicyEnd:     p.PolicyEnd,
		Immutable:     p.Immutable,
		Default:       p.Default,
	}
}

// Event shapes of runtime 115 whose payload carries a versioned record.

type nodeStoredEventV115 struct {
	Phase  stypes.Phase
	Node   nodeV115
	Topics []stypes.Hash
}

type contractCreatedEventV115 struct {
	Phase    stypes.Phase
	Contract contractV115
	Topics   []stypes.Hash
}

type usedResourcesEventV115 struct {
	Phase     stypes.Phase
	Resources contractResourcesV115
	Topics    []stypes.Hash
}

type farmEventV115 struct {
	Phase  stypes.Phase
	Farm   farmV115
	Topics []stypes.Hash
}

type twinEventV115 struct {
	Phase  stypes.Phase
	Twin   twinV115
	Topics []stypes.Hash
}

type farmingPolicyEventV115 struct {
	Phase  stypes.Phase
	Policy farmingPolicyV115
	Topics []stypes.Hash
}

// eventRecordsV115 is the full event listing used to decode a block produced
// by runtime 115.
type eventRecordsV115 struct {
	tfchainCommonEvents

	TfgridModule_NodeStored           []nodeStoredEventV115
	TfgridModule_NodeUpdated          []nodeStoredEventV115
	TfgridModule_FarmStored           []farmEventV115
	TfgridModule_FarmUpdated          []farmEventV115
	TfgridModule_TwinStored           []twinEventV115
	TfgridModule_TwinUpdated          []twinEventV115
	TfgridModule_FarmingPolicyStored  []farmingPolicyEventV115
	TfgridModule_FarmingPolicyUpdated []farmingPolicyEventV115

	SmartContractModule_ContractCreated      []contractCreatedEventV115
	SmartContractModule_ContractUpdated      []contractCreatedEventV115
	SmartContractModule_UpdatedUsedResources []usedResourcesEventV115
}

func (e *eventRecordsV115) relevant() []orderedEvent {
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
