package chain

import (
	stypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/threefoldtech/minting/types"
)

// Runtime 123 record schemas. The explicit version fields were dropped, the
// node location absorbed city and country, serial numbers became optional,
// and twins were reworked to carry a relay and an optional public key.

type twinV123 struct {
	ID        uint32
	AccountID accountID
	Relay     optionString
	Entities  []wireEntityProof
	PK        optionBytes
}

func (t *twinV123) toCanonical() *types.Twin {
	out := &types.Twin{
		ID:        t.ID,
		AccountID: t.AccountID,
	}
	if t.Relay.HasValue {
		relay := t.Relay.Value
		out.Relay = &relay
	}
	if t.PK.HasValue {
		out.PK = t.PK.Value
	}
	return out
}

type farmV123 struct {
	ID                  uint32
	Name                string
	TwinID              uint32
	PricingPolicyID     uint32
	Certification       wireFarmCertification
	PublicIPs           []wirePublicIP
	DedicatedFarm       bool
	FarmingPolicyLimits optionFarmingPolicyLimit
}

func (f *farmV123) toCanonical() *types.Farm {
	return &types.Farm{
		ID:            f.ID,
		Name:          f.Name,
		TwinID:        f.TwinID,
		Certification: f.Certification.toCanonical(),
		DedicatedFarm: f.DedicatedFarm,
	}
}

type nodeV123 struct {
	ID              uint32
	FarmID          uint32
	TwinID          uint32
	Resources       wireResources
	Location        wireCityLocation
	PublicConfig    optionPublicConfig
	Created         uint64
	FarmingPolicyID uint32
	Interfaces      []wireInterface
	Certification   wireNodeCertification
	SecureBoot      bool
	Virtualized     bool
	SerialNumber    optionString
	ConnectionPrice uint32
}

func (n *nodeV123) toCanonical() *types.Node {
	return &types.Node{
		ID:              n.ID,
		FarmID:          n.FarmID,
		TwinID:          n.TwinID,
		Resources:       n.Resources.toCanonical(),
		Location:        types.Location{Longitude: n.Location.Longitude, Latitude: n.Location.Latitude},
		Country:         n.Location.Country,
		City:            n.Location.City,
		Created:         n.Created,
		FarmingPolicyID: n.FarmingPolicyID,
		Certification:   n.Certification.toCanonical(),
		SecureBoot:      n.SecureBoot,
		Virtualized:     n.Virtualized,
		SerialNumber:    n.SerialNumber.Value,
		ConnectionPrice: n.ConnectionPrice,
	}
}

type contractV123 struct {
	State        wireContractState
	ContractID   uint64
	TwinID       uint32
	ContractType contractDataV115
}

func (c *contractV123) toCanonical() *types.Contract {
	return &types.Contract{
		ContractID: c.ContractID,
		TwinID:     c.TwinID,
		Kind:       c.ContractType.kind(),
		NodeID:     c.ContractType.NodeID,
		PublicIPs:  c.ContractType.PublicIPs,
	}
}

type farmingPolicyV123 struct {
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

func (p *farmingPolicyV123) toCanonical() *types.FarmPolicy {
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

type nodeStoredEventV123 struct {
	Phase  stypes.Phase
	Node   nodeV123
	Topics []stypes.Hash
}

type contractCreatedEventV123 struct {
	Phase    stypes.Phase
	Contract contractV123
	Topics   []stypes.Hash
}

type farmEventV123 struct {
	Phase  stypes.Phase
	Farm   farmV123
	Topics []stypes.Hash
}

type twinEventV123 struct {
	Phase  stypes.Phase
	Twin   twinV123
	Topics []stypes.Hash
}

type farmingPolicyEventV123 struct {
	Phase  stypes.Phase
	Policy farmingPolicyV123
	Topics []stypes.Hash
}

// eventRecordsV123 is the full event listing used to decode a block produced
// by runtime 123.
type eventRecordsV123 struct {
	tfchainCommonEvents

	TfgridModule_NodeStored           []nodeStoredEventV123
	TfgridModule_NodeUpdated          []nodeStoredEventV123
	TfgridModule_FarmStored           []farmEventV123
	TfgridModule_FarmUpdated          []farmEventV123
	TfgridModule_TwinStored           []twinEventV123
	TfgridModule_TwinUpdated          []twinEventV123
	TfgridModule_FarmingPolicyStored  []farmingPolicyEventV123
	TfgridModule_FarmingPolicyUpdated []farmingPolicyEventV123

	SmartContractModule_ContractCreated      []contractCreatedEventV123
	SmartContractModule_ContractUpdated      []contractCreatedEventV123
	SmartContractModule_UpdatedUsedResources []usedResourcesEventV115
}

func (e *eventRecordsV123) relevant() []orderedEvent {
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
