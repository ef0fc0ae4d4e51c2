package minting

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threefoldtech/minting/chain"
	"github.com/threefoldtech/minting/params"
	"github.com/threefoldtech/minting/types"
)

// fakeChain is an in-memory RuntimeClient over a synthetic block range.
// Block hashes encode the height, so timestamps and events can be resolved
// without bookkeeping. Snapshot reads ignore the block hash: the fixture
// state is constant over the range.
type fakeChain struct {
	startTS   int64
	blockTime int64
	head      uint32
	events    map[uint32][]chain.Event

	nodes             map[uint32]*types.Node
	powers            map[uint32]*types.NodePower
	farms             map[uint32]*types.Farm
	twins             map[uint32]*types.Twin
	policies          map[uint32]*types.FarmPolicy
	contracts         map[uint64]*types.Contract
	contractResources map[uint64]*types.ContractResources
	payouts           map[uint32]string
}

func (f *fakeChain) heightOf(block *chain.Hash) uint32 {
	if block == nil {
		return f.head
	}
	return binary.LittleEndian.Uint32(block[:4])
}

func (f *fakeChain) Height() (uint32, error) { return f.head, nil }

func (f *fakeChain) HashAtHeight(height uint32) (chain.Hash, error) {
	var hash chain.Hash
	binary.LittleEndian.PutUint32(hash[:4], height)
	return hash, nil
}

func (f *fakeChain) Timestamp(block *chain.Hash) (uint64, error) {
	height := f.heightOf(block)
	return uint64(f.startTS+int64(height-1)*f.blockTime) * 1000, nil
}

func (f *fakeChain) Events(block *chain.Hash) ([]chain.Event, error) {
	return f.events[f.heightOf(block)], nil
}

func (f *fakeChain) Node(id uint32, _ *chain.Hash) (*types.Node, error) { return f.nodes[id], nil }
func (f *fakeChain) NodeCount(_ *chain.Hash) (uint32, error)            { return uint32(len(f.nodes)), nil }
func (f *fakeChain) Twin(id uint32, _ *chain.Hash) (*types.Twin, error) { return f.twins[id], nil }
func (f *fakeChain) TwinCount(_ *chain.Hash) (uint32, error)            { return uint32(len(f.twins)), nil }
func (f *fakeChain) Farm(id uint32, _ *chain.Hash) (*types.Farm, error) { return f.farms[id], nil }
func (f *fakeChain) FarmCount(_ *chain.Hash) (uint32, error)            { return uint32(len(f.farms)), nil }

func (f *fakeChain) FarmPayoutAddress(id uint32, _ *chain.Hash) (string, error) {
	return f.payouts[id], nil
}

func (f *fakeChain) Contract(id uint64, _ *chain.Hash) (*types.Contract, error) {
	return f.contracts[id], nil
}

func (f *fakeChain) ContractCount(_ *chain.Hash) (uint64, error) {
	return uint64(len(f.contracts)), nil
}

func (f *fakeChain) ContractResources(id uint64, _ *chain.Hash) (*types.ContractResources, error) {
	return f.contractResources[id], nil
}

func (f *fakeChain) FarmingPolicy(id uint32, _ *chain.Hash) (*types.FarmPolicy, error) {
	return f.policies[id], nil
}

func (f *fakeChain) FarmingPolicyCount(_ *chain.Hash) (uint32, error) {
	return uint32(len(f.policies)), nil
}

func (f *fakeChain) NodePower(id uint32, _ *chain.Hash) (*types.NodePower, error) {
	return f.powers[id], nil
}

var _ chain.RuntimeClient = (*fakeChain)(nil)

// newRunFixture builds a period-42 fixture: node 1 is healthy with a
// workload contract, node 2 appears mid-period and is never heard from.
func newRunFixture() (*fakeChain, types.Period) {
	period := types.PeriodAtOffset(42)
	blockTime := period.Duration() / 10

	relay := "relay.grid.tf"
	f := &fakeChain{
		startTS:   period.Start,
		blockTime: blockTime,
		// Enough head room for the post period scan.
		head: 11 + params.BlocksInHour*params.PostPeriodScanHours + 10,
		nodes: map[uint32]*types.Node{
			1: {
				ID: 1, FarmID: 1, TwinID: 1,
				Resources: types.Resources{
					CRU: 8,
					MRU: 32 * params.GiB,
					HRU: 4 * 1024 * params.GiB,
					SRU: 1024 * params.GiB,
				},
				FarmingPolicyID: 1,
				ConnectionPrice: 80,
			},
		},
		powers: map[uint32]*types.NodePower{},
		farms: map[uint32]*types.Farm{
			1: {ID: 1, Name: "testfarm", TwinID: 1},
		},
		twins: map[uint32]*types.Twin{
			1: {ID: 1, Relay: &relay, PK: make([]byte, 33)},
		},
		policies: map[uint32]*types.FarmPolicy{
			1: {ID: 1, CU: 2400, SU: 1000, NU: 30, IPv4: 5, MinimalUptime: 95, Default: true, Immutable: true},
		},
		contracts: map[uint64]*types.Contract{
			1: {ContractID: 1, Kind: types.KindNodeContract, NodeID: 1, PublicIPs: 1},
		},
		contractResources: map[uint64]*types.ContractResources{
			1: {ContractID: 1, Used: types.Resources{CRU: 4, MRU: 8 * params.GiB, SRU: 100 * params.GiB}},
		},
		payouts: map[uint32]string{1: "GTESTADDRESS"},
	}

	tsAt := func(height uint32) int64 { return period.Start + int64(height-1)*blockTime }
	uptimeAt := func(height uint32) chain.Event {
		ts := tsAt(height)
		return chain.NodeUptimeReported{NodeID: 1, Timestamp: uint64(ts), Uptime: uint64(ts - period.Start)}
	}
	f.events = map[uint32][]chain.Event{
		2: {uptimeAt(2)},
		3: {
			uptimeAt(3),
			chain.NruConsumptionReceived{ContractID: 1, Timestamp: uint64(tsAt(3)), Window: 3600, NRU: 5 * params.GiB},
		},
		4: {
			uptimeAt(4),
			chain.NodeStored{Node: types.Node{ID: 2, FarmID: 1, TwinID: 1, Resources: types.Resources{CRU: 4, MRU: 8 * params.GiB}, FarmingPolicyID: 1, ConnectionPrice: 80}},
		},
	}
	return f, period
}

func TestEngineRun(t *testing.T) {
	f, period := newRunFixture()
	dial := func() (chain.RuntimeClient, error) { return f, nil }

	engine := NewEngine(dial, period, testLogger())
	require.NoError(t, engine.Run())

	receipts := engine.Receipts()
	require.Len(t, receipts, 2)

	r1 := receipts[0].Receipt
	require.EqualValues(t, 1, r1.NodeID)
	require.Equal(t, "testfarm", r1.FarmName)
	require.Equal(t, "GTESTADDRESS", r1.StellarAddr)
	require.Equal(t, "DIY", r1.NodeType)
	require.EqualValues(t, params.ReceiptConnectionPrice, r1.TFTConnectionPrice)

	// Three reports: the first is clipped to interval + grace, the
	// following two normal advances are clipped the same way.
	require.EqualValues(t, 3*2460, r1.MeasuredUptime)

	require.InDelta(t, 7.75, r1.CloudUnits.CU, 1e-9)
	require.InDelta(t, 7.509333, r1.CloudUnits.SU, 1e-9)
	require.InDelta(t, 5.0, r1.CloudUnits.NU, 1e-9)

	// 0.2% uptime of the 26264 musd base payout.
	require.EqualValues(t, 52, r1.Reward.Musd)
	require.EqualValues(t, 6566000, r1.Reward.TFT)
	require.EqualValues(t, 10, r1.CarbonOffset.Musd)
	require.EqualValues(t, 1283003, r1.CarbonOffset.TFT)
	require.InDelta(t, 1.0, r1.ResourceUtilization.IP, 1e-9)

	// Node 2 connected mid period and was never online: zero reward, but
	// the receipt is still emitted, with its period scaled to the
	// connection time.
	r2 := receipts[1].Receipt
	require.EqualValues(t, 2, r2.NodeID)
	require.Zero(t, r2.MeasuredUptime)
	require.Zero(t, r2.Reward.TFT)
	require.Greater(t, r2.Period.Start, period.Start)
	require.Equal(t, period.End, r2.Period.End)
}

func TestEngineRunDeterministic(t *testing.T) {
	f, period := newRunFixture()
	dial := func() (chain.RuntimeClient, error) { return f, nil }

	run := func() [][32]byte {
		engine := NewEngine(dial, period, testLogger())
		require.NoError(t, engine.Run())
		var hashes [][32]byte
		for _, nr := range engine.Receipts() {
			hashes = append(hashes, nr.Receipt.Hash())
		}
		return hashes
	}

	require.Equal(t, run(), run())
}
