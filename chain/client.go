package chain

import (
	"fmt"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	stypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/ethereum/go-ethereum/log"

	"github.com/threefoldtech/minting/types"
)

// Storage pallets and items read by the minting engine.
const (
	tfgridModule        = "TfgridModule"
	smartContractModule = "SmartContractModule"
	timestampModule     = "Timestamp"

	storageTwins             = "Twins"
	storageTwinID            = "TwinID"
	storageFarms             = "Farms"
	storageFarmID            = "FarmID"
	storageNodes             = "Nodes"
	storageNodeID            = "NodeID"
	storageFarmingPolicies   = "FarmingPolicies"
	storageFarmingPolicyID   = "FarmingPolicyID"
	storageNodePower         = "NodePower"
	storageFarmPayoutAddress = "FarmPayoutV2AddressByFarmID"
	storageContracts         = "Contracts"
	storageContractID        = "ContractID"
	storageContractResources = "NodeContractResources"
	storageTimestampNow      = "Now"
)

// DynamicClient is the production RuntimeClient. It talks substrate RPC over
// a websocket connection and decodes storage blobs and events by attempting
// the known runtime schema versions in order, oldest first.
type DynamicClient struct {
	api *gsrpc.SubstrateAPI

	// Metadata is cached per runtime spec version; periods span runtime
	// upgrades so the cache regularly holds a few entries.
	mu    sync.Mutex
	metas map[uint32]*stypes.Metadata
}

// NewDynamicClient connects to the chain at the given websocket url.
func NewDynamicClient(url string) (*DynamicClient, error) {
	api, err := gsrpc.NewSubstrateAPI(url)
	if err != nil {
		return nil, fmt.Errorf("connect to chain at %s: %w", url, err)
	}
	return &DynamicClient{api: api, metas: make(map[uint32]*stypes.Metadata)}, nil
}

// metadataAt returns the runtime metadata active at the given block.
func (c *DynamicClient) metadataAt(block *Hash) (*stypes.Metadata, error) {
	var (
		rv  *stypes.RuntimeVersion
		err error
	)
	if block == nil {
		rv, err = c.api.RPC.State.GetRuntimeVersionLatest()
	} else {
		rv, err = c.api.RPC.State.GetRuntimeVersion(*block)
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime version: %w", err)
	}
	spec := uint32(rv.SpecVersion)

	c.mu.Lock()
	meta, ok := c.metas[spec]
	c.mu.Unlock()
	if ok {
		return meta, nil
	}

	if block == nil {
		meta, err = c.api.RPC.State.GetMetadataLatest()
	} else {
		meta, err = c.api.RPC.State.GetMetadata(*block)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata for spec %d: %w", spec, err)
	}
	log.Debug("Fetched runtime metadata", "spec", spec)

	c.mu.Lock()
	c.metas[spec] = meta
	c.mu.Unlock()
	return meta, nil
}

// storageRaw fetches the raw scale encoded value of a storage entry. A nil
// return with nil error means the entry does not exist.
func (c *DynamicClient) storageRaw(prefix, method string, block *Hash, args ...[]byte) ([]byte, error) {
	meta, err := c.metadataAt(block)
	if err != nil {
		return nil, err
	}
	key, err := stypes.CreateStorageKey(meta, prefix, method, args...)
	if err != nil {
		return nil, fmt.Errorf("create storage key %s.%s: %w", prefix, method, err)
	}
	var raw *stypes.StorageDataRaw
	if block == nil {
		raw, err = c.api.RPC.State.GetStorageRawLatest(key)
	} else {
		raw, err = c.api.RPC.State.GetStorageRaw(key, *block)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch storage %s.%s: %w", prefix, method, err)
	}
	if raw == nil || len(*raw) == 0 {
		return nil, nil
	}
	return *raw, nil
}

// counter reads a u32 id counter, defaulting to 0 when unset.
func (c *DynamicClient) counter(prefix, method string, block *Hash) (uint32, error) {
	raw, err := c.storageRaw(prefix, method, block)
	if err != nil || raw == nil {
		return 0, err
	}
	var count uint32
	if err := decodeFull(raw, &count); err != nil {
		return 0, fmt.Errorf("decode %s.%s: %w", prefix, method, err)
	}
	return count, nil
}

// Height returns the current chain height.
func (c *DynamicClient) Height() (uint32, error) {
	header, err := c.api.RPC.Chain.GetHeaderLatest()
	if err != nil {
		return 0, fmt.Errorf("get chain head: %w", err)
	}
	return uint32(header.Number), nil
}

// HashAtHeight returns the hash of the block at the given height.
func (c *DynamicClient) HashAtHeight(height uint32) (Hash, error) {
	hash, err := c.api.RPC.Chain.GetBlockHash(uint64(height))
	if err != nil {
		return Hash{}, fmt.Errorf("get hash of block %d: %w", height, err)
	}
	return hash, nil
}

// Timestamp returns the on-chain timestamp of the block in milliseconds.
func (c *DynamicClient) Timestamp(block *Hash) (uint64, error) {
	raw, err := c.storageRaw(timestampModule, storageTimestampNow, block)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	var ts uint64
	if err := decodeFull(raw, &ts); err != nil {
		return 0, fmt.Errorf("decode timestamp: %w", err)
	}
	return ts, nil
}

// Events returns the minting-relevant events of the block in emission order.
func (c *DynamicClient) Events(block *Hash) ([]Event, error) {
	meta, err := c.metadataAt(block)
	if err != nil {
		return nil, err
	}
	raw, err := c.storageRaw("System", "Events", block)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var lastErr error
	for _, records := range []interface {
		relevant() []orderedEvent
	}{
		new(eventRecordsV115),
		new(eventRecordsV123),
		new(eventRecordsV131),
		new(eventRecordsV141),
	} {
		if err := stypes.EventRecordsRaw(raw).DecodeEventRecords(meta, records); err != nil {
			lastErr = err
			continue
		}
		return sortEvents(records.relevant()), nil
	}
	return nil, fmt.Errorf("decode block events: %w", lastErr)
}

// Node returns the node with the given id, or nil if it does not exist.
func (c *DynamicClient) Node(id uint32, block *Hash) (*types.Node, error) {
	raw, err := c.fetchMapEntry(tfgridModule, storageNodes, id, block)
	if err != nil || raw == nil {
		return nil, err
	}
	if v := new(nodeV115); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	if v := new(nodeV123); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	return nil, ErrDecodingNode
}

// NodeCount returns the highest assigned node id.
func (c *DynamicClient) NodeCount(block *Hash) (uint32, error) {
	return c.counter(tfgridModule, storageNodeID, block)
}

// Twin returns the twin with the given id, or nil if it does not exist.
func (c *DynamicClient) Twin(id uint32, block *Hash) (*types.Twin, error) {
	raw, err := c.fetchMapEntry(tfgridModule, storageTwins, id, block)
	if err != nil || raw == nil {
		return nil, err
	}
	if v := new(twinV115); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	if v := new(twinV123); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	return nil, ErrDecodingTwin
}

// TwinCount returns the highest assigned twin id.
func (c *DynamicClient) TwinCount(block *Hash) (uint32, error) {
	return c.counter(tfgridModule, storageTwinID, block)
}

// Farm returns the farm with the given id, or nil if it does not exist.
func (c *DynamicClient) Farm(id uint32, block *Hash) (*types.Farm, error) {
	raw, err := c.fetchMapEntry(tfgridModule, storageFarms, id, block)
	if err != nil || raw == nil {
		return nil, err
	}
	if v := new(farmV115); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	if v := new(farmV123); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	return nil, ErrDecodingFarm
}

// FarmCount returns the highest assigned farm id.
func (c *DynamicClient) FarmCount(block *Hash) (uint32, error) {
	return c.counter(tfgridModule, storageFarmID, block)
}

// FarmPayoutAddress returns the stellar payout address of the farm, or the
// empty string if none is set.
func (c *DynamicClient) FarmPayoutAddress(id uint32, block *Hash) (string, error) {
	raw, err := c.fetchMapEntry(tfgridModule, storageFarmPayoutAddress, id, block)
	if err != nil || raw == nil {
		return "", err
	}
	var addr []byte
	if err := decodeFull(raw, &addr); err != nil {
		return "", ErrDecodingPayoutAddress
	}
	return string(addr), nil
}

// Contract returns the contract with the given id, or nil if it does not
// exist.
func (c *DynamicClient) Contract(id uint64, block *Hash) (*types.Contract, error) {
	idBytes, err := codec.Encode(id)
	if err != nil {
		return nil, fmt.Errorf("encode contract id: %w", err)
	}
	raw, err := c.storageRaw(smartContractModule, storageContracts, block, idBytes)
	if err != nil || raw == nil {
		return nil, err
	}
	if v := new(contractV115); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	if v := new(contractV123); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	if v := new(contractV141); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	return nil, ErrDecodingContract
}

// ContractCount returns the highest assigned contract id.
func (c *DynamicClient) ContractCount(block *Hash) (uint64, error) {
	raw, err := c.storageRaw(smartContractModule, storageContractID, block)
	if err != nil || raw == nil {
		return 0, err
	}
	var count uint64
	if err := decodeFull(raw, &count); err != nil {
		return 0, fmt.Errorf("decode contract count: %w", err)
	}
	return count, nil
}

// ContractResources returns the used resources of the contract, or nil if
// none are registered.
func (c *DynamicClient) ContractResources(id uint64, block *Hash) (*types.ContractResources, error) {
	idBytes, err := codec.Encode(id)
	if err != nil {
		return nil, fmt.Errorf("encode contract id: %w", err)
	}
	raw, err := c.storageRaw(smartContractModule, storageContractResources, block, idBytes)
	if err != nil || raw == nil {
		return nil, err
	}
	v := new(contractResourcesV115)
	if decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	return nil, ErrDecodingContractResources
}

// FarmingPolicy returns the farming policy with the given id, or nil if it
// does not exist.
func (c *DynamicClient) FarmingPolicy(id uint32, block *Hash) (*types.FarmPolicy, error) {
	raw, err := c.fetchMapEntry(tfgridModule, storageFarmingPolicies, id, block)
	if err != nil || raw == nil {
		return nil, err
	}
	if v := new(farmingPolicyV115); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	if v := new(farmingPolicyV123); decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	return nil, ErrDecodingFarmingPolicy
}

// FarmingPolicyCount returns the highest assigned farming policy id.
func (c *DynamicClient) FarmingPolicyCount(block *Hash) (uint32, error) {
	return c.counter(tfgridModule, storageFarmingPolicyID, block)
}

// NodePower returns the power management state of the node, or nil if none
// is registered.
func (c *DynamicClient) NodePower(id uint32, block *Hash) (*types.NodePower, error) {
	raw, err := c.fetchMapEntry(tfgridModule, storageNodePower, id, block)
	if err != nil || raw == nil {
		return nil, err
	}
	v := new(nodePowerV131)
	if decodeFull(raw, v) == nil {
		return v.toCanonical(), nil
	}
	return nil, ErrDecodingNodePower
}

// fetchMapEntry reads a storage map entry keyed by a u32 id.
func (c *DynamicClient) fetchMapEntry(prefix, method string, id uint32, block *Hash) ([]byte, error) {
	idBytes, err := codec.Encode(id)
	if err != nil {
		return nil, fmt.Errorf("encode storage key id: %w", err)
	}
	return c.storageRaw(prefix, method, block, idBytes)
}

// interface conformance
var _ RuntimeClient = (*DynamicClient)(nil)
