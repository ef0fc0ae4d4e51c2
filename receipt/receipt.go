// Package receipt defines the payout receipts emitted per node per period,
// their canonical JSON encoding and the hash used as payment memo.
package receipt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/threefoldtech/minting/types"
)

// MintingReceipt is stored to validate the payout of a node. The receipt is
// hashed to create the payment memo.
//
// Note that this only makes sense for valid mints, hence there is no error
// field here.
type MintingReceipt struct {
	Period         types.Period `json:"period"`
	NodeID         uint32       `json:"node_id"`
	TwinID         uint32       `json:"twin_id"`
	FarmID         uint32       `json:"farm_id"`
	FarmName       string       `json:"farm_name"`
	StellarAddr    string       `json:"stellar_payout_address"`
	MeasuredUptime uint64       `json:"measured_uptime"`
	// TFTConnectionPrice is the TFT price on connection in milli USD.
	TFTConnectionPrice  uint64              `json:"tft_connection_price"`
	CloudUnits          CloudUnits          `json:"cloud_units"`
	ResourceUnits       ResourceUnits       `json:"resource_units"`
	ResourceUtilization ResourceUtilization `json:"resource_utilization"`
	Reward              Reward              `json:"reward"`
	CarbonOffset        Reward              `json:"carbon_offset"`
	// NodeType is the certification type of the node, "CERTIFIED" or "DIY".
	NodeType        string          `json:"node_type"`
	FarmingPolicyID uint32          `json:"farming_policy_id"`
	ResourceRewards ResourceRewards `json:"resource_rewards"`
}

// CloudUnits are the computed cloud units of a node.
type CloudUnits struct {
	CU float64 `json:"cu"`
	SU float64 `json:"su"`
	NU float64 `json:"nu"`
}

// Reward is a payout for a node.
type Reward struct {
	// Musd is the reward in milli USD.
	Musd uint64 `json:"musd"`
	// TFT is the reward in TFT units. 1 TFT -> 1e7 units.
	TFT uint64 `json:"tft"`
}

// Sub subtracts the other reward, clamping at zero.
func (r Reward) Sub(other Reward) Reward {
	out := Reward{}
	if r.Musd >= other.Musd {
		out.Musd = r.Musd - other.Musd
	}
	if r.TFT >= other.TFT {
		out.TFT = r.TFT - other.TFT
	}
	return out
}

// ResourceUnits are the resources of a node, as reported by the node.
// Memory and disks are expressed in GiB.
type ResourceUnits struct {
	CRU float64 `json:"cru"`
	MRU float64 `json:"mru"`
	HRU float64 `json:"hru"`
	SRU float64 `json:"sru"`
}

// ResourceUtilization is the percentual utilization of the node resources
// over the period, as measured through capacity reports on chain. IP is
// expressed in hours of public ip usage.
type ResourceUtilization struct {
	CRU float64 `json:"cru"`
	MRU float64 `json:"mru"`
	HRU float64 `json:"hru"`
	SRU float64 `json:"sru"`
	IP  float64 `json:"ip"`
}

// ResourceRewards are the per-unit rewards of the farming policy the node
// minted against, in mUSD.
type ResourceRewards struct {
	CU   uint64 `json:"cu"`
	SU   uint64 `json:"su"`
	NU   uint64 `json:"nu"`
	IPv4 uint64 `json:"ipv4"`
}

// DefaultResourceRewards returns the values of the initial farming policy,
// used for receipts predating explicit policy tracking.
func DefaultResourceRewards() ResourceRewards {
	return ResourceRewards{CU: 2400, SU: 1000, NU: 30, IPv4: 5}
}

// Hash returns the Blake2b-256 hash of the canonical JSON encoding of the
// receipt. This hash doubles as the memo of the payment transaction.
func (r *MintingReceipt) Hash() [32]byte {
	return hashJSON(r)
}

// RetryPayoutReceipt is emitted when a previous payout failed, usually
// because the farm had no payout address at the time, and the payout is
// retried in a later period.
type RetryPayoutReceipt struct {
	FailedPayoutPeriod  types.Period `json:"failed_payout_period"`
	RetryPeriod         types.Period `json:"retry_period"`
	FarmID              uint32       `json:"farm_id"`
	PreviousStellarAddr string       `json:"previous_stellar_payout_address"`
	StellarAddr         string       `json:"stellar_payout_address"`
	RetryForReceipt     string       `json:"retry_for_receipt"`
	Reward              Reward       `json:"reward"`
}

// Hash returns the Blake2b-256 hash of the canonical JSON encoding of the
// receipt.
func (r *RetryPayoutReceipt) Hash() [32]byte {
	return hashJSON(r)
}

// Save writes the retry receipt to dir, named after the hex encoding of its
// hash, and returns the hash.
func (r *RetryPayoutReceipt) Save(dir string) ([32]byte, error) {
	hash := r.Hash()
	out, err := json.Marshal(r)
	if err != nil {
		return hash, fmt.Errorf("encode retry receipt: %w", err)
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return hash, fmt.Errorf("create retry receipt dir: %w", err)
	}
	name := filepath.Join(dir, hex.EncodeToString(hash[:]))
	if err = os.WriteFile(name, out, 0o644); err != nil {
		return hash, fmt.Errorf("write retry receipt: %w", err)
	}
	return hash, nil
}

// FixupReceipt corrects a previous underpayment of a node.
type FixupReceipt struct {
	Period              types.Period `json:"period"`
	NodeID              uint32       `json:"node_id"`
	FarmID              uint32       `json:"farm_id"`
	MintedCloudUnits    CloudUnits   `json:"minted_cloud_units"`
	CorrectCloudUnits   CloudUnits   `json:"correct_cloud_units"`
	FixupCloudUnits     CloudUnits   `json:"fixup_cloud_units"`
	StellarAddr         string       `json:"stellar_payout_address"`
	MintedReceipt       string       `json:"minted_receipt"`
	CorrectReceipt      string       `json:"correct_receipt"`
	MintedReward        Reward       `json:"minted_reward"`
	CorrectReward       Reward       `json:"correct_reward"`
	FixupReward         Reward       `json:"fixup_reward"`
	MintedCarbonOffset  Reward       `json:"minted_carbon_offset"`
	CorrectCarbonOffset Reward       `json:"correct_carbon_offset"`
	FixupCarbonOffset   Reward       `json:"fixup_carbon_offset"`
}

// Hash returns the Blake2b-256 hash of the canonical JSON encoding of the
// receipt.
func (r *FixupReceipt) Hash() [32]byte {
	return hashJSON(r)
}

func hashJSON(v interface{}) [32]byte {
	out, err := json.Marshal(v)
	if err != nil {
		// All receipt types are plain data, encoding them can't fail.
		panic(fmt.Sprintf("encode receipt: %v", err))
	}
	return blake2b.Sum256(out)
}

// Save writes the receipt to dir, named after the hex encoding of its hash,
// and returns the hash.
func (r *MintingReceipt) Save(dir string) ([32]byte, error) {
	hash := r.Hash()
	out, err := json.Marshal(r)
	if err != nil {
		return hash, fmt.Errorf("encode receipt: %w", err)
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return hash, fmt.Errorf("create receipt dir: %w", err)
	}
	name := filepath.Join(dir, hex.EncodeToString(hash[:]))
	if err = os.WriteFile(name, out, 0o644); err != nil {
		return hash, fmt.Errorf("write receipt: %w", err)
	}
	return hash, nil
}
