package minting

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/threefoldtech/minting/chain"
	"github.com/threefoldtech/minting/params"
	"github.com/threefoldtech/minting/types"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

// testPeriod starts at 9000 so reports with small timestamps stay inside.
func testPeriod() types.Period {
	return types.Period{Start: 9000, End: 9000 + params.StandardPeriodDuration}
}

func defaultPolicies() map[uint32]*types.FarmPolicy {
	return map[uint32]*types.FarmPolicy{
		1: {ID: 1, CU: 2400, SU: 1000, NU: 30, IPv4: 5, MinimalUptime: 95, Default: true, Immutable: true},
	}
}

// testEngine builds an engine with a single node owned by a healthy twin.
func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(nil, testPeriod(), testLogger())
	relay := "relay.grid.tf"
	e.twins[1] = &types.Twin{ID: 1, Relay: &relay, PK: make([]byte, 33)}
	e.farms[1] = &types.Farm{ID: 1, Name: "testfarm", TwinID: 1}
	e.payoutAddresses[1] = "GTESTADDRESS"
	e.policies = defaultPolicies()
	node := &types.Node{
		ID: 1, FarmID: 1, TwinID: 1,
		Resources: types.Resources{
			CRU: 8,
			MRU: 32 * params.GiB,
			HRU: 4 * 1024 * params.GiB,
			SRU: 1024 * params.GiB,
		},
		FarmingPolicyID: 1,
		ConnectionPrice: 80,
	}
	e.nodes[1] = NewMintingNode(node, NodeConnected{})
	e.powerStates[1] = types.DefaultNodePower()
	return e
}

func uptimeReport(ts int64, uptime uint64) chain.Event {
	return chain.NodeUptimeReported{NodeID: 1, Timestamp: uint64(ts), Uptime: uptime}
}

func TestUptimeFirstReport(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 1000)))

	node := e.nodes[1]
	require.NotNil(t, node.UptimeInfo)
	require.EqualValues(t, 1000, node.UptimeInfo.TotalUptime)
	require.EqualValues(t, 10000, node.UptimeInfo.LastReportedAt)
	require.NotNil(t, node.BootTime)
	require.EqualValues(t, 9000, node.BootTime.Boot)
	require.True(t, node.Violation.IsNone())
}

func TestUptimeFirstReportClamped(t *testing.T) {
	e := testEngine(t)
	// Reported uptime far exceeds both the elapsed period time and the
	// report interval; the credit is the elapsed period time.
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 500000)))
	require.EqualValues(t, 1000, e.nodes[1].UptimeInfo.TotalUptime)

	// A node with a long prior uptime only gets the interval plus grace.
	e = testEngine(t)
	require.NoError(t, e.handleEvent(10, 20000, uptimeReport(20000, 500000)))
	require.EqualValues(t, params.NodeUptimeReportInterval+params.UptimeGracePeriodSeconds,
		e.nodes[1].UptimeInfo.TotalUptime)
}

func TestUptimeNormalAdvance(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 1000)))
	require.NoError(t, e.handleEvent(11, 12400, uptimeReport(12400, 3400)))

	node := e.nodes[1]
	require.EqualValues(t, 3400, node.UptimeInfo.TotalUptime)
	require.True(t, node.Violation.IsNone())
	// Boot time does not move on a regular advance.
	require.EqualValues(t, 9000, node.BootTime.Boot)
}

func TestUptimeCreditClipped(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 1000)))
	// A gap far beyond the report interval only credits interval + grace.
	require.NoError(t, e.handleEvent(11, 20000, uptimeReport(20000, 11000)))

	node := e.nodes[1]
	want := 1000 + uint64(params.NodeUptimeReportInterval+params.UptimeGracePeriodSeconds)
	require.EqualValues(t, want, node.UptimeInfo.TotalUptime)
}

func TestUptimeTooHigh(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 10000)))
	// 10_000 seconds of uptime in a 60 second window.
	require.NoError(t, e.handleEvent(11, 10060, uptimeReport(10060, 20000)))

	node := e.nodes[1]
	require.Equal(t, types.ViolationUptimeTooHigh, node.Violation.Kind)
	// The datapoint is still recorded so future reports compare against it.
	require.EqualValues(t, 20000, node.UptimeInfo.LastReportedUptime)
	// No credit was given.
	require.EqualValues(t, 1000, node.UptimeInfo.TotalUptime)

	musd, tft := node.ScaledPayout(e.period, e.policies)
	require.Zero(t, musd)
	require.Zero(t, tft)
}

func TestUptimeClockSkew(t *testing.T) {
	e := testEngine(t)
	// Boot drifts backwards 60 seconds per report; each step stays within
	// the grace period, but the cumulative drift crosses the threshold.
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 1000)))
	require.NoError(t, e.handleEvent(11, 12500, uptimeReport(12500, 3560)))
	require.True(t, e.nodes[1].Violation.IsNone())
	require.NoError(t, e.handleEvent(12, 15100, uptimeReport(15100, 6220)))

	node := e.nodes[1]
	require.Equal(t, types.ViolationClockSkew, node.Violation.Kind)
	require.EqualValues(t, 9000, node.Violation.OriginalBoot)
	require.EqualValues(t, 8880, node.Violation.CurrentBoot)
}

func TestUptimeReboot(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 10000)))
	// Node rebooted: uptime 500 with reports 2400 seconds apart.
	require.NoError(t, e.handleEvent(11, 12400, uptimeReport(12400, 500)))

	node := e.nodes[1]
	require.True(t, node.Violation.IsNone())
	require.EqualValues(t, 1000+500, node.UptimeInfo.TotalUptime)
	require.EqualValues(t, 12400-500, node.BootTime.Boot)
}

func TestUptimeTooLow(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 10000)))
	// Uptime advanced only 1000 seconds in a 2400 second window, yet is too
	// high to be a reboot.
	require.NoError(t, e.handleEvent(11, 12400, uptimeReport(12400, 11000)))

	node := e.nodes[1]
	require.Equal(t, types.ViolationUptimeTooLow, node.Violation.Kind)
}

func TestUptimeInvalidReboot(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 10000)))
	// The reported uptime places the reboot before the previous report.
	require.NoError(t, e.handleEvent(11, 12400, uptimeReport(12400, 9000)))

	node := e.nodes[1]
	require.Equal(t, types.ViolationInvalidReboot, node.Violation.Kind)
}

func TestViolationSticky(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 10000, uptimeReport(10000, 10000)))
	require.NoError(t, e.handleEvent(11, 10060, uptimeReport(10060, 20000)))
	require.Equal(t, types.ViolationUptimeTooHigh, e.nodes[1].Violation.Kind)

	// A later anomaly of a different kind does not overwrite the first.
	require.NoError(t, e.handleEvent(12, 12460, uptimeReport(12460, 19000)))
	require.Equal(t, types.ViolationUptimeTooHigh, e.nodes[1].Violation.Kind)
}

func TestUptimeUnknownNodeFatal(t *testing.T) {
	e := testEngine(t)
	err := e.handleEvent(10, 10000, chain.NodeUptimeReported{NodeID: 42, Timestamp: 10000, Uptime: 100})
	require.Error(t, err)
}

func TestNodeUpdatedResourceFloor(t *testing.T) {
	e := testEngine(t)
	// Added hardware (cru, hru) must be ignored, removed hardware (mru,
	// sru) must be respected.
	update := chain.NodeUpdated{Node: types.Node{
		ID: 1, FarmID: 1, TwinID: 1,
		Resources: types.Resources{
			CRU: 16,
			MRU: 16 * params.GiB,
			HRU: 8 * 1024 * params.GiB,
			SRU: 512 * params.GiB,
		},
		FarmingPolicyID: 1,
		ConnectionPrice: 80,
	}}
	require.NoError(t, e.handleEvent(10, 10000, update))

	node := e.nodes[1]
	require.EqualValues(t, 8, node.Resources.CRU)
	require.EqualValues(t, 16*params.GiB, node.Resources.MRU)
	require.EqualValues(t, 4*1024*params.GiB, node.Resources.HRU)
	require.EqualValues(t, 512*params.GiB, node.Resources.SRU)
}

func TestNodeUpdatedVirtualizedLatch(t *testing.T) {
	e := testEngine(t)
	node := e.nodes[1].Resources

	virtualized := chain.NodeUpdated{Node: types.Node{ID: 1, Resources: node, Virtualized: true, FarmingPolicyID: 1, ConnectionPrice: 80}}
	require.NoError(t, e.handleEvent(10, 10000, virtualized))
	require.True(t, e.nodes[1].Virtualized)

	// Flipping back to false keeps the latch set.
	cleared := chain.NodeUpdated{Node: types.Node{ID: 1, Resources: node, Virtualized: false, FarmingPolicyID: 1, ConnectionPrice: 80}}
	require.NoError(t, e.handleEvent(11, 10010, cleared))
	require.True(t, e.nodes[1].Virtualized)
}

func TestPowerManagedSleepAndWake(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 900000, uptimeReport(900000, 891000)))

	// Farmer bot sets the target down, the node complies.
	require.NoError(t, e.handleEvent(11, 950000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerDown}))
	require.NoError(t, e.handleEvent(12, 1000000, chain.PowerStateChanged{NodeID: 1, State: types.PowerState{Down: true, AsOf: 12}}))

	node := e.nodes[1]
	require.NotNil(t, node.PowerManaged)
	require.EqualValues(t, 1000000, *node.PowerManaged)
	// The first report was clamped to interval + grace; the time between
	// the report and the shutdown is credited implicitly.
	require.EqualValues(t, 2460+100000, node.UptimeInfo.TotalUptime)
	require.EqualValues(t, 0, node.UptimeInfo.LastReportedUptime)

	// Wake request, node boots 2000 seconds later: within the sleep cap,
	// but slower than the allowed boot time (observation only).
	require.NoError(t, e.handleEvent(13, 1050000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerUp}))
	require.NotNil(t, node.PowerManageBoot)
	require.EqualValues(t, 1050000, *node.PowerManageBoot)

	require.NoError(t, e.handleEvent(14, 1054000, uptimeReport(1054000, 2000)))
	require.True(t, node.Violation.IsNone())
	require.Nil(t, node.PowerManaged)
	require.Nil(t, node.PowerManageBoot)
	// The full sleep window is credited.
	require.EqualValues(t, 2460+100000+54000, node.UptimeInfo.TotalUptime)
	require.EqualValues(t, 1052000, node.BootTime.Boot)
}

func TestPowerManagedOverlongSleepNotCredited(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 900000, uptimeReport(900000, 891000)))
	require.NoError(t, e.handleEvent(11, 950000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerDown}))
	require.NoError(t, e.handleEvent(12, 1000000, chain.PowerStateChanged{NodeID: 1, State: types.PowerState{Down: true, AsOf: 12}}))
	require.NoError(t, e.handleEvent(13, 1090000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerUp}))

	// The node wakes more than a day after it went down.
	wake := int64(1000000 + params.MaxPowerManagerDowntime + 5000)
	require.NoError(t, e.handleEvent(14, wake, uptimeReport(wake, 1000)))

	node := e.nodes[1]
	// Only the pre-sleep uptime remains credited.
	require.EqualValues(t, 2460+100000, node.UptimeInfo.TotalUptime)
	require.Nil(t, node.PowerManaged)
}

func TestPowerManagedSleepWithoutWakeRequestIgnored(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 900000, uptimeReport(900000, 891000)))
	require.NoError(t, e.handleEvent(11, 950000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerDown}))
	require.NoError(t, e.handleEvent(12, 1000000, chain.PowerStateChanged{NodeID: 1, State: types.PowerState{Down: true, AsOf: 12}}))

	// The node self-wakes without a farmer bot request; ignored.
	require.NoError(t, e.handleEvent(13, 1010000, uptimeReport(1010000, 2000)))

	node := e.nodes[1]
	require.NotNil(t, node.PowerManaged)
	require.EqualValues(t, 2460+100000, node.UptimeInfo.TotalUptime)
}

func TestPowerManagedChronologicallyInconsistentWakeIgnored(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 900000, uptimeReport(900000, 891000)))
	require.NoError(t, e.handleEvent(11, 950000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerDown}))
	require.NoError(t, e.handleEvent(12, 1000000, chain.PowerStateChanged{NodeID: 1, State: types.PowerState{Down: true, AsOf: 12}}))
	require.NoError(t, e.handleEvent(13, 1050000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerUp}))

	// Claimed boot time predates the shutdown; the event is ignored and the
	// power management state kept.
	require.NoError(t, e.handleEvent(14, 1054000, uptimeReport(1054000, 60000)))

	node := e.nodes[1]
	require.NotNil(t, node.PowerManaged)
	require.NotNil(t, node.PowerManageBoot)
}

func TestPowerTargetFirstBootRequestWins(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handleEvent(10, 900000, uptimeReport(900000, 891000)))
	require.NoError(t, e.handleEvent(11, 950000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerDown}))
	require.NoError(t, e.handleEvent(12, 1000000, chain.PowerStateChanged{NodeID: 1, State: types.PowerState{Down: true, AsOf: 12}}))

	require.NoError(t, e.handleEvent(13, 1050000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerUp}))
	require.NoError(t, e.handleEvent(14, 1060000, chain.PowerTargetChanged{NodeID: 1, Target: types.PowerUp}))

	require.EqualValues(t, 1050000, *e.nodes[1].PowerManageBoot)
}

func TestNruConsumption(t *testing.T) {
	e := testEngine(t)
	e.contracts[7] = &Contract{
		ContractID:   7,
		NodeID:       1,
		LastReportTS: 9000,
		IPs:          2,
		Resources:    types.Resources{CRU: 4, MRU: 8 * params.GiB, SRU: 100 * params.GiB},
	}

	report := chain.NruConsumptionReceived{ContractID: 7, Timestamp: 13000, Window: 3600, NRU: 5 * params.GiB}
	require.NoError(t, e.handleEvent(10, 13000, report))

	node := e.nodes[1]
	require.EqualValues(t, 5*params.GiB, node.CapacityConsumption.NRU)
	require.EqualValues(t, 2*3600, node.CapacityConsumption.IPs)
	require.Equal(t, mul128(4, 3600), node.CapacityConsumption.CRU)
	require.Equal(t, mul128(8*params.GiB, 3600), node.CapacityConsumption.MRU)
	require.EqualValues(t, 13000, e.contracts[7].LastReportTS)

	// A duplicate report is ignored.
	require.NoError(t, e.handleEvent(11, 13000, report))
	require.EqualValues(t, 5*params.GiB, node.CapacityConsumption.NRU)

	// A report for an unknown contract is skipped silently.
	require.NoError(t, e.handleEvent(12, 14000, chain.NruConsumptionReceived{ContractID: 99, Timestamp: 14000, Window: 60, NRU: 1}))
}

func TestContractCreated(t *testing.T) {
	e := testEngine(t)
	created := chain.ContractCreated{Contract: types.Contract{
		ContractID: 9, Kind: types.KindNodeContract, NodeID: 1, PublicIPs: 1,
	}}
	require.NoError(t, e.handleEvent(10, 15000, created))
	require.Contains(t, e.contracts, uint64(9))
	require.EqualValues(t, 15000, e.contracts[9].LastReportTS)

	// Name and rent contracts carry no workload and are not tracked.
	name := chain.ContractCreated{Contract: types.Contract{ContractID: 10, Kind: types.KindNameContract}}
	require.NoError(t, e.handleEvent(11, 15000, name))
	require.NotContains(t, e.contracts, uint64(10))
}

func TestPostPeriodSingleReportClipped(t *testing.T) {
	e := testEngine(t)
	end := e.period.End
	// Last in-period datapoint 1000 seconds before the period end.
	e.nodes[1].UptimeInfo = &UptimeInfo{LastReportedAt: end - 1000, LastReportedUptime: 50000, TotalUptime: 100000}
	e.nodes[1].BootTime = &BootTime{Boot: end - 51000, Detected: end - 1000}

	// Normal advance 2400 seconds later: only the in-period 1000 seconds
	// are credited.
	require.NoError(t, e.handlePostPeriodEvent(20, end+1400, uptimeReport(end+1400, 52400)))
	node := e.nodes[1]
	require.EqualValues(t, 101000, node.UptimeInfo.TotalUptime)

	// Any further post period report is skipped.
	require.NoError(t, e.handlePostPeriodEvent(21, end+3800, uptimeReport(end+3800, 54800)))
	require.EqualValues(t, 101000, node.UptimeInfo.TotalUptime)
}

func TestPostPeriodRebootClipped(t *testing.T) {
	e := testEngine(t)
	end := e.period.End
	e.nodes[1].UptimeInfo = &UptimeInfo{LastReportedAt: end - 1000, LastReportedUptime: 50000, TotalUptime: 100000}
	e.nodes[1].BootTime = &BootTime{Boot: end - 51000, Detected: end - 1000}

	// Reboot 1000 seconds past the end with 1500 seconds of uptime: only
	// the 500 seconds which fall inside the period are credited.
	require.NoError(t, e.handlePostPeriodEvent(20, end+1000, uptimeReport(end+1000, 1500)))
	require.EqualValues(t, 100500, e.nodes[1].UptimeInfo.TotalUptime)
}

func TestPostPeriodUnknownNodeSkipped(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.handlePostPeriodEvent(20, e.period.End+100,
		chain.NodeUptimeReported{NodeID: 404, Timestamp: uint64(e.period.End + 100), Uptime: 100}))
}

func TestFinalizeTwinChecks(t *testing.T) {
	period := testPeriod()

	build := func(twin *types.Twin) *Engine {
		e := NewEngine(nil, period, testLogger())
		e.policies = defaultPolicies()
		node := &types.Node{ID: 1, FarmID: 1, TwinID: 1, FarmingPolicyID: 1, ConnectionPrice: 80}
		e.nodes[1] = NewMintingNode(node, NodeConnected{})
		e.nodes[1].UptimeInfo = &UptimeInfo{LastReportedAt: period.Start + 100, TotalUptime: 100}
		if twin != nil {
			e.twins[1] = twin
		}
		return e
	}

	e := build(nil)
	e.finalize()
	require.Equal(t, types.ViolationMissingTwin, e.nodes[1].Violation.Kind)

	e = build(&types.Twin{ID: 1})
	e.finalize()
	require.Equal(t, types.ViolationMissingRelay, e.nodes[1].Violation.Kind)

	empty := ""
	e = build(&types.Twin{ID: 1, Relay: &empty})
	e.finalize()
	require.Equal(t, types.ViolationMissingRelay, e.nodes[1].Violation.Kind)

	relay := "relay.grid.tf"
	e = build(&types.Twin{ID: 1, Relay: &relay, PK: make([]byte, 32)})
	e.finalize()
	require.Equal(t, types.ViolationInvalidPublicKey, e.nodes[1].Violation.Kind)

	e = build(&types.Twin{ID: 1, Relay: &relay, PK: make([]byte, 33)})
	e.finalize()
	require.True(t, e.nodes[1].Violation.IsNone())

	// Nodes which were never online are not checked.
	e = build(nil)
	e.nodes[1].UptimeInfo = nil
	e.finalize()
	require.True(t, e.nodes[1].Violation.IsNone())
}

func TestUptimeMonotoneAndBounded(t *testing.T) {
	e := testEngine(t)
	bound := uint64(params.NodeUptimeReportInterval + params.UptimeGracePeriodSeconds)
	var prev uint64
	reports := []struct {
		ts     int64
		uptime uint64
	}{
		{10000, 1000},
		{12400, 3400},
		{14800, 5800},
		{17000, 600},   // reboot
		{19400, 3000},  // normal advance
		{40000, 23600}, // long gap, clipped
	}
	for i, r := range reports {
		require.NoError(t, e.handleEvent(uint32(10+i), r.ts, uptimeReport(r.ts, r.uptime)))
		total := e.nodes[1].UptimeInfo.TotalUptime
		require.GreaterOrEqual(t, total, prev, "credit must never decrease")
		require.LessOrEqual(t, total, uint64(r.ts-e.period.Start)+bound, "credit bounded by elapsed time")
		prev = total
	}
}
