package minting

import (
	"github.com/threefoldtech/minting/params"
	"github.com/threefoldtech/minting/receipt"
	"github.com/threefoldtech/minting/types"
)

// MintingNode is the full minting state of a node over a period: its
// descriptors as tracked through node events, its uptime accounting, its
// power management state and the capacity consumed by the workloads it
// hosted.
type MintingNode struct {
	ID        uint32
	FarmID    uint32
	TwinID    uint32
	Resources types.Resources
	Location  types.Location
	Country   string
	City      string
	Created   uint64

	CertificationType types.NodeCertification
	FarmingPolicyID   uint32
	// ConnectionPrice is the TFT price expressed in mUSD (3 digit precision)
	// at the time the node connected, i.e. 1 USD => 1000.
	ConnectionPrice uint32
	Virtualized     bool

	// Connected records whether the node was already known at the period
	// start, or first seen during the period.
	Connected NodeConnected

	// UptimeInfo is the running uptime accounting of the node, absent until
	// the first uptime report is seen.
	UptimeInfo *UptimeInfo
	// BootTime is the derived boot time of the node and the timestamp at
	// which it was derived.
	BootTime *BootTime

	Violation types.Violation

	// CapacityConsumption is the capacity consumed by workloads over the
	// period.
	CapacityConsumption TotalConsumption

	// PowerManaged is the timestamp the node changed power state to down,
	// before a new uptime was posted.
	PowerManaged *int64
	// PowerManageBoot is the time the power target first changed to up while
	// the node was down; later boot requests do not move it. We keep track of
	// this to make sure a node actually boots after the farmer bot powers it
	// on. Cleared when the node boots.
	PowerManageBoot *int64
}

// NodeConnected records the connection provenance of a node.
type NodeConnected struct {
	// Current is true if the node connected during the period, at Timestamp.
	Current   bool
	Timestamp int64
}

// UptimeInfo is the last uptime datapoint of a node together with the total
// credited uptime.
type UptimeInfo struct {
	LastReportedAt     int64
	LastReportedUptime uint64
	TotalUptime        uint64
}

// BootTime is a derived boot time and the report timestamp it was derived
// from.
type BootTime struct {
	Boot     int64
	Detected int64
}

// TotalConsumption aggregates workload consumption over a period. The cru,
// mru, hru and sru fields are unit-seconds, ips is ip-seconds and nru is
// bytes.
type TotalConsumption struct {
	CRU u128
	SRU u128
	HRU u128
	MRU u128
	IPs uint64
	NRU uint64
}

// NewMintingNode seeds the minting state for a node record.
func NewMintingNode(node *types.Node, connected NodeConnected) *MintingNode {
	return &MintingNode{
		ID:                node.ID,
		FarmID:            node.FarmID,
		TwinID:            node.TwinID,
		Resources:         node.Resources,
		Location:          node.Location,
		Country:           node.Country,
		City:              node.City,
		Created:           node.Created,
		CertificationType: node.Certification,
		FarmingPolicyID:   node.FarmingPolicyID,
		ConnectionPrice:   node.ConnectionPrice,
		Virtualized:       node.Virtualized,
		Connected:         connected,
	}
}

// SetViolation records a violation for the node. Violations are sticky: the
// first recorded violation is kept, later ones are dropped.
func (n *MintingNode) SetViolation(v types.Violation) {
	if n.Violation.IsNone() {
		n.Violation = v
	}
}

// CloudUnitsPermill computes the CU, SU and NU of the node. The result is
// expressed in permill: the actual units are obtained by dividing by
// 1_000_000.
//
// In order for this to be accurate, the network and ip usage must already
// have been aggregated on the node.
//
// Calculation as defined by the resource unit specification:
//
//	CU: MIN(cru * 4 / 2, (mru - 1) / 4, sru / 50)
//	SU: hru / 1200 + sru * 0.8 / 200
//	NU: gigabytes of public traffic reported
//
// Mru and sru are stored in bytes, but are expressed in GB in the formula.
// Rather than dividing first, the components are multiplied out first, the
// MIN taken, and the GiB division done last. This eliminates the issue of
// rounding errors _BEFORE_ the MIN. MIN is associative.
func (n *MintingNode) CloudUnitsPermill() (cu, su, nu uint64) {
	cuIntermediate := min128(
		mul128(n.Resources.CRU, 2*params.GiB*params.OneMill),
		mul128(n.Resources.MRU, params.OneMill).sub(mul128(params.GiB, params.OneMill)).div(4),
	)
	cu128 := min128(cuIntermediate, mul128(n.Resources.SRU, params.OneMill).div(50))
	su128 := mul128(n.Resources.HRU, params.OneMill).div(1200).
		add(mul128(n.Resources.SRU, params.OneMill).div(250))
	nu128 := mul128(n.CapacityConsumption.NRU, params.OneMill)
	return cu128.div(params.GiB).u64(), su128.div(params.GiB).u64(), nu128.div(params.GiB).u64()
}

// NodePayoutMusd calculates the USD payout of the node for the period based
// on its cloud units, expressed in mUSD (1 USD == 1000).
//
//	Payout = CU * CU_REWARD + SU * SU_REWARD + NU used * NU_REWARD
//	       + IP used * IP_REWARD
//
// Certified nodes on the initial farming policy get 25% extra. A virtualized
// node (i.e. zos running in a VM) won't get anything.
func (n *MintingNode) NodePayoutMusd(policies map[uint32]*types.FarmPolicy) uint64 {
	if n.Virtualized || n.Violation.IsSome() {
		return 0
	}
	policy := policies[n.FarmingPolicyID]
	cu, su, nu := n.CloudUnitsPermill()
	cuReward := cu * uint64(policy.CU)
	suReward := su * uint64(policy.SU)
	nuReward := nu * uint64(policy.NU)
	// IP usage is in seconds. Multiply the seconds of usage with the hourly
	// reward, then divide by 3600 seconds/hour. This prevents issues with
	// low usage.
	ipReward := n.CapacityConsumption.IPs * uint64(policy.IPv4) / 3600
	basePayout := (cuReward+suReward+nuReward)/params.OneMill + ipReward
	// TODO: remove once Titans have policy id 2
	if n.CertificationType == types.CertificationCertified && n.FarmingPolicyID == 1 {
		return basePayout * 5 / 4
	}
	return basePayout
}

// NodePayoutTFTUnits calculates the TFT payout of the node for the period,
// expressed in units, where 1 TFT == 10_000_000 units.
func (n *MintingNode) NodePayoutTFTUnits(policies map[uint32]*types.FarmPolicy) uint64 {
	// Connection price is in mUSD.
	return n.NodePayoutMusd(policies) * params.UnitsPerTFT / uint64(n.ConnectionPrice)
}

// NodeCarbonMusd calculates the amount of mUSD generated by the node for
// carbon offset. This is solely based on CU and SU, so it can be computed
// from the node definition alone, without aggregating the blocks of a
// period.
func (n *MintingNode) NodeCarbonMusd() uint64 {
	if n.Virtualized || n.Violation.IsSome() {
		return 0
	}
	cu, su, _ := n.CloudUnitsPermill()
	return (cu*params.CuCarbonOffsetMusd + su*params.SuCarbonOffsetMusd) / params.OneMill
}

// NodeCarbonTFTUnits calculates the TFT generated by the node towards
// carbon offset.
func (n *MintingNode) NodeCarbonTFTUnits() uint64 {
	return n.NodeCarbonMusd() * params.UnitsPerTFT / uint64(n.ConnectionPrice)
}

// RealPeriod returns the period actually covered by the node: for a node
// which connected during the observed period, its personal period only
// starts at the connection time.
func (n *MintingNode) RealPeriod(observed types.Period) types.Period {
	if n.Connected.Current {
		observed.ScaleStart(n.Connected.Timestamp)
	}
	return observed
}

// Uptime returns the credited uptime of the node, clamped to its real
// period.
func (n *MintingNode) Uptime(period types.Period) uint64 {
	if n.UptimeInfo == nil {
		return 0
	}
	return min(n.UptimeInfo.TotalUptime, uint64(n.RealPeriod(period).Duration()))
}

// ScaledPayout returns the payout of the node in mUSD and TFT units for the
// period, accounting for the SLA of its farming policy.
//
// Nodes on the default policies are paid linear to uptime. Nodes on custom
// policies are paid in full if they meet the policy's minimal uptime, and
// nothing otherwise.
func (n *MintingNode) ScaledPayout(period types.Period, policies map[uint32]*types.FarmPolicy) (musd, tft uint64) {
	if n.UptimeInfo == nil {
		return 0, 0
	}
	// Calculate uptime in permill (0.1% precision) by upscaling with factor 1000.
	// The period is not scaled, since the linear payment cancels out
	// eventually.
	uptimePercentage := n.UptimeInfo.TotalUptime * 1000 / uint64(period.Duration())
	// Sanity check
	if uptimePercentage > 1000 {
		uptimePercentage = 1000
	}

	// Convoluted check because new nodes on testnet seem to get farming
	// policy 3, without having to add explicit network selectors.
	linear := n.FarmingPolicyID == 1 || n.FarmingPolicyID == 2
	if !linear && n.FarmingPolicyID == 3 {
		if policy, ok := policies[3]; ok {
			linear = !policy.Default && !policy.Immutable && policy.MinimalUptime == 95
		}
	}
	if linear {
		return n.NodePayoutMusd(policies) * uptimePercentage / 1000,
			n.NodePayoutTFTUnits(policies) * uptimePercentage / 1000
	}
	// Not the default policy, enforce the minimal uptime.
	policy := policies[n.FarmingPolicyID]
	if uptimePercentage/10 < uint64(policy.MinimalUptime) {
		return 0, 0
	}
	return n.NodePayoutMusd(policies), n.NodePayoutTFTUnits(policies)
}

// ScaledCarbonPayout returns the carbon offset generated by the node in
// mUSD and TFT units. This scales linearly with the uptime of the node.
// Importantly it does not scale with the connection time, as carbon units
// are expressed for a whole period duration.
func (n *MintingNode) ScaledCarbonPayout(period types.Period) (musd, tft uint64) {
	duration := uint64(period.Duration())
	uptime := n.Uptime(period)
	return n.NodeCarbonMusd() * uptime / duration,
		n.NodeCarbonTFTUnits() * uptime / duration
}

// Receipt builds the minting receipt of the node for the period.
func (n *MintingNode) Receipt(
	period types.Period,
	farms map[uint32]*types.Farm,
	payoutAddresses map[uint32]string,
	policies map[uint32]*types.FarmPolicy,
) receipt.MintingReceipt {
	var uptime uint64
	if n.UptimeInfo != nil {
		uptime = n.UptimeInfo.TotalUptime
	}
	var farmName string
	if farm, ok := farms[n.FarmID]; ok {
		farmName = farm.Name
	}
	cu, su, nu := n.CloudUnitsPermill()
	duration := uint64(period.Duration())
	cruUsed := n.CapacityConsumption.CRU.div(duration).u64()
	mruUsed := n.CapacityConsumption.MRU.div(duration).u64()
	hruUsed := n.CapacityConsumption.HRU.div(duration).u64()
	sruUsed := n.CapacityConsumption.SRU.div(duration).u64()
	musd, tft := n.ScaledPayout(period, policies)
	carbonMusd, carbonTFT := n.ScaledCarbonPayout(period)
	policy := policies[n.FarmingPolicyID]

	utilization := func(used, total uint64) float64 {
		if total == 0 {
			return 0
		}
		return float64(used) * 100 / float64(total)
	}

	return receipt.MintingReceipt{
		Period:         n.RealPeriod(period),
		NodeID:         n.ID,
		TwinID:         n.TwinID,
		FarmID:         n.FarmID,
		FarmName:       farmName,
		StellarAddr:    payoutAddresses[n.FarmID],
		MeasuredUptime: uptime,
		// TODO: revert to the stored connection price once fixed on chain
		TFTConnectionPrice: params.ReceiptConnectionPrice,
		CloudUnits: receipt.CloudUnits{
			CU: float64(cu) / params.OneMill,
			SU: float64(su) / params.OneMill,
			NU: float64(nu) / params.OneMill,
		},
		ResourceUnits: receipt.ResourceUnits{
			CRU: float64(n.Resources.CRU),
			MRU: float64(n.Resources.MRU) / params.GiB,
			HRU: float64(n.Resources.HRU) / params.GiB,
			SRU: float64(n.Resources.SRU) / params.GiB,
		},
		ResourceUtilization: receipt.ResourceUtilization{
			CRU: utilization(cruUsed, n.Resources.CRU),
			MRU: utilization(mruUsed, n.Resources.MRU),
			HRU: utilization(hruUsed, n.Resources.HRU),
			SRU: utilization(sruUsed, n.Resources.SRU),
			IP:  float64(n.CapacityConsumption.IPs) / 3600,
		},
		Reward:          receipt.Reward{Musd: musd, TFT: tft},
		CarbonOffset:    receipt.Reward{Musd: carbonMusd, TFT: carbonTFT},
		NodeType:        nodeTypeString(n.CertificationType),
		FarmingPolicyID: n.FarmingPolicyID,
		ResourceRewards: receipt.ResourceRewards{
			CU:   uint64(policy.CU),
			SU:   uint64(policy.SU),
			NU:   uint64(policy.NU),
			IPv4: uint64(policy.IPv4),
		},
	}
}

func nodeTypeString(c types.NodeCertification) string {
	if c == types.CertificationCertified {
		return "CERTIFIED"
	}
	return "DIY"
}

// Contract is the minting view of a node contract: the used resources as
// last set on chain, together with the report bookkeeping needed to
// aggregate consumption over time.
type Contract struct {
	ContractID uint64
	NodeID     uint32
	// LastReportTS is the timestamp of the last processed consumption
	// report. For contracts created during the period this is the creation
	// time; for preexisting contracts a report should pop up.
	LastReportTS int64
	IPs          uint32
	// Resources as set on chain.
	Resources types.Resources
}
