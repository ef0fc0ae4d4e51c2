// Package chain provides read access to the tfchain state and event log as
// consumed by the minting engine.
//
// The canonical entry point is the RuntimeClient interface. Its production
// implementation speaks substrate RPC over websocket and tolerates multiple
// on-wire schema versions by attempting the known decoders in order, mapping
// whichever succeeds onto the canonical shapes of the types package.
package chain

import (
	"errors"
	"fmt"

	stypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/threefoldtech/minting/types"
)

// Hash identifies a block.
type Hash = stypes.Hash

// Decoding errors, returned when a storage blob matches none of the known
// schema versions.
var (
	ErrDecodingTwin              = errors.New("failed to decode twin")
	ErrDecodingFarm              = errors.New("failed to decode farm")
	ErrDecodingNode              = errors.New("failed to decode node")
	ErrDecodingContract          = errors.New("failed to decode contract")
	ErrDecodingContractResources = errors.New("failed to decode contract resources")
	ErrDecodingFarmingPolicy     = errors.New("failed to decode farming policy")
	ErrDecodingNodePower         = errors.New("failed to decode node power")
	ErrDecodingPayoutAddress     = errors.New("failed to decode farm payout address")
)

// Event is a runtime event relevant to minting. Concrete types below.
// Events not recognized by the client are not surfaced.
type Event interface {
	isEvent()
}

// NodeStored signals a new node registration.
type NodeStored struct {
	Node types.Node
}

// NodeUpdated signals a change to an existing node.
type NodeUpdated struct {
	Node types.Node
}

// NodeUptimeReported is the periodic uptime ping of a node. Timestamp is the
// time the node claims to have sent the report, Uptime the amount of seconds
// since its last boot.
type NodeUptimeReported struct {
	NodeID    uint32
	Timestamp uint64
	Uptime    uint64
}

// ContractCreated signals a new contract.
type ContractCreated struct {
	Contract types.Contract
}

// ContractUsedResourcesUpdated carries the new used-resource vector of a
// node contract.
type ContractUsedResourcesUpdated struct {
	Resources types.ContractResources
}

// NruConsumptionReceived is the periodic network consumption report of a
// contract. Window is the covered timespan in seconds, NRU the consumed
// public traffic in bytes.
type NruConsumptionReceived struct {
	ContractID uint64
	Timestamp  uint64
	Window     uint64
	NRU        uint64
}

// PowerTargetChanged signals the farmer bot changed the desired power state
// of a node.
type PowerTargetChanged struct {
	FarmID uint32
	NodeID uint32
	Target types.Power
}

// PowerStateChanged signals a node reported a change of its own power state.
type PowerStateChanged struct {
	FarmID uint32
	NodeID uint32
	State  types.PowerState
}

func (NodeStored) isEvent()                   {}
func (NodeUpdated) isEvent()                  {}
func (NodeUptimeReported) isEvent()           {}
func (ContractCreated) isEvent()              {}
func (ContractUsedResourcesUpdated) isEvent() {}
func (NruConsumptionReceived) isEvent()       {}
func (PowerTargetChanged) isEvent()           {}
func (PowerStateChanged) isEvent()            {}

// RuntimeClient is the read interface over the chain consumed by the minting
// engine. All reads accept an optional block hash; a nil hash means the
// current head. Any transport error is fatal to the period computation.
type RuntimeClient interface {
	// HashAtHeight returns the hash of the block at the given height.
	HashAtHeight(height uint32) (Hash, error)
	// Height returns the current chain height.
	Height() (uint32, error)
	// Timestamp returns the on-chain timestamp of the block in milliseconds
	// since the unix epoch.
	Timestamp(block *Hash) (uint64, error)
	// Events returns the minting-relevant events of the block, in the order
	// they were emitted.
	Events(block *Hash) ([]Event, error)

	Node(id uint32, block *Hash) (*types.Node, error)
	NodeCount(block *Hash) (uint32, error)
	Twin(id uint32, block *Hash) (*types.Twin, error)
	TwinCount(block *Hash) (uint32, error)
	Farm(id uint32, block *Hash) (*types.Farm, error)
	FarmCount(block *Hash) (uint32, error)
	// FarmPayoutAddress returns the stellar payout address of the farm, or
	// the empty string if none is set.
	FarmPayoutAddress(id uint32, block *Hash) (string, error)
	Contract(id uint64, block *Hash) (*types.Contract, error)
	ContractCount(block *Hash) (uint64, error)
	ContractResources(id uint64, block *Hash) (*types.ContractResources, error)
	FarmingPolicy(id uint32, block *Hash) (*types.FarmPolicy, error)
	FarmingPolicyCount(block *Hash) (uint32, error)
	NodePower(id uint32, block *Hash) (*types.NodePower, error)
}

// HeightAtTimestamp finds the height of the block whose timestamp most
// closely precedes ts (expressed in seconds). It performs a binary search
// over the chain, costing 2 RPC roundtrips per probe.
func HeightAtTimestamp(client RuntimeClient, ts int64) (uint32, error) {
	head, err := client.Height()
	if err != nil {
		return 0, fmt.Errorf("get chain height: %w", err)
	}
	tsAt := func(height uint32) (int64, error) {
		hash, err := client.HashAtHeight(height)
		if err != nil {
			return 0, err
		}
		millis, err := client.Timestamp(&hash)
		if err != nil {
			return 0, err
		}
		return int64(millis / 1000), nil
	}
	headTs, err := tsAt(head)
	if err != nil {
		return 0, err
	}
	if headTs < ts {
		return 0, fmt.Errorf("timestamp %d is past the chain head", ts)
	}
	// Invariant: timestamp(lo) <= ts < timestamp(hi).
	var lo uint32 = 1
	hi := head
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		midTs, err := tsAt(mid)
		if err != nil {
			return 0, err
		}
		if midTs <= ts {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}
