package minting

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/threefoldtech/minting/chain"
	"github.com/threefoldtech/minting/params"
	"github.com/threefoldtech/minting/types"
)

var (
	errImportEnded = errors.New("block import ended early")

	eventCounter = metrics.NewRegisteredCounter("minting/engine/events", nil)
	blockCounter = metrics.NewRegisteredCounter("minting/engine/blocks", nil)
)

// progressLogInterval is how often the engine reports replay progress.
const progressLogInterval = 8 * time.Second

// Engine reconstructs the state of every node over a payout period by
// replaying the chain event log, and derives the node rewards from the
// final state.
//
// The engine is strictly single threaded: blocks are applied in ascending
// height order, events within a block in emission order. Only the block
// fetching is parallelized.
type Engine struct {
	dial   Dialer
	period types.Period
	logger log.Logger

	nodes           map[uint32]*MintingNode
	contracts       map[uint64]*Contract
	powerStates     map[uint32]types.NodePower
	farms           map[uint32]*types.Farm
	twins           map[uint32]*types.Twin
	payoutAddresses map[uint32]string
	policies        map[uint32]*types.FarmPolicy

	startBlock   uint32
	endBlock     uint32
	startBlockTS int64
}

// NewEngine creates an engine for the given period. The dialer is used for
// the preamble connection and once per fetch worker. The logger receives
// the per-event diagnostic trail.
func NewEngine(dial Dialer, period types.Period, logger log.Logger) *Engine {
	return &Engine{
		dial:            dial,
		period:          period,
		logger:          logger,
		nodes:           make(map[uint32]*MintingNode),
		contracts:       make(map[uint64]*Contract),
		powerStates:     make(map[uint32]types.NodePower),
		farms:           make(map[uint32]*types.Farm),
		twins:           make(map[uint32]*types.Twin),
		payoutAddresses: make(map[uint32]string),
		policies:        make(map[uint32]*types.FarmPolicy),
	}
}

// Run executes the full period computation: snapshot at the period start,
// replay of the in-period blocks, the post period grace scan, and
// finalization.
func (e *Engine) Run() error {
	client, err := e.dial()
	if err != nil {
		return err
	}

	log.Info("Finding start block")
	e.startBlock, err = chain.HeightAtTimestamp(client, e.period.Start)
	if err != nil {
		return fmt.Errorf("find start block: %w", err)
	}
	log.Info("Finding end block")
	e.endBlock, err = chain.HeightAtTimestamp(client, e.period.End)
	if err != nil {
		return fmt.Errorf("find end block: %w", err)
	}
	e.logger.Info("Period block range resolved", "start", e.startBlock, "end", e.endBlock)

	if err := e.prepare(client); err != nil {
		return err
	}

	log.Info("Replaying period", "blocks", e.endBlock-e.startBlock+1)
	if err := e.replay(e.startBlock, e.endBlock, e.handleEvent); err != nil {
		return err
	}

	log.Info("Scanning post period uptime reports")
	postEnd := e.endBlock + params.BlocksInHour*params.PostPeriodScanHours
	if err := e.replay(e.endBlock+1, postEnd, e.handlePostPeriodEvent); err != nil {
		return err
	}

	e.finalize()
	return nil
}

// prepare bulk loads the state snapshots the replay starts from: nodes,
// power states and contracts at the period start, and farms, twins, payout
// addresses and farming policies at the period end.
func (e *Engine) prepare(client chain.RuntimeClient) error {
	startHash, err := client.HashAtHeight(e.startBlock)
	if err != nil {
		return err
	}
	endHash, err := client.HashAtHeight(e.endBlock)
	if err != nil {
		return err
	}
	startMillis, err := client.Timestamp(&startHash)
	if err != nil {
		return err
	}
	e.startBlockTS = int64(startMillis / 1000)

	nodeCount, err := client.NodeCount(&startHash)
	if err != nil {
		return err
	}
	for id := uint32(1); id <= nodeCount; id++ {
		node, err := client.Node(id, &startHash)
		if err != nil {
			return fmt.Errorf("load node %d: %w", id, err)
		}
		if node == nil {
			continue
		}
		e.nodes[node.ID] = NewMintingNode(node, NodeConnected{})
	}
	log.Info("Loaded existing nodes", "count", len(e.nodes))
	e.logger.Info("Loaded existing nodes", "count", len(e.nodes))

	for id := uint32(1); id <= nodeCount; id++ {
		power, err := client.NodePower(id, &startHash)
		if err != nil {
			return fmt.Errorf("load power state of node %d: %w", id, err)
		}
		if power != nil {
			e.powerStates[id] = *power
		}
	}
	log.Info("Loaded power states", "count", len(e.powerStates))
	e.logger.Info("Loaded power states", "count", len(e.powerStates))

	// Insert missing power state entries, and mark nodes which are
	// currently power managed.
	for id, node := range e.nodes {
		power, ok := e.powerStates[id]
		if !ok {
			e.powerStates[id] = types.DefaultNodePower()
			continue
		}
		if power.State.Down {
			hash, err := client.HashAtHeight(power.State.AsOf)
			if err != nil {
				return err
			}
			millis, err := client.Timestamp(&hash)
			if err != nil {
				return err
			}
			downTS := int64(millis / 1000)
			node.PowerManaged = &downTS
			if power.Target == types.PowerUp {
				// Set the powerup request at the start timestamp.
				// Technically this is wrong, however this is validated
				// properly in the previous period in the post period checks.
				bootRequest := e.startBlockTS
				node.PowerManageBoot = &bootRequest
			}
		}
	}

	// Load farms at the end of the period, so individual farm events don't
	// have to be tracked.
	farmCount, err := client.FarmCount(&endHash)
	if err != nil {
		return err
	}
	for id := uint32(1); id <= farmCount; id++ {
		farm, err := client.Farm(id, &endHash)
		if err != nil {
			return fmt.Errorf("load farm %d: %w", id, err)
		}
		if farm != nil {
			e.farms[farm.ID] = farm
		}
	}
	log.Info("Loaded farms", "count", len(e.farms))
	e.logger.Info("Loaded farms at the end of the period", "count", len(e.farms))

	twinCount, err := client.TwinCount(&endHash)
	if err != nil {
		return err
	}
	for id := uint32(1); id <= twinCount; id++ {
		twin, err := client.Twin(id, &endHash)
		if err != nil {
			return fmt.Errorf("load twin %d: %w", id, err)
		}
		if twin != nil {
			e.twins[twin.ID] = twin
		}
	}
	log.Info("Loaded twins", "count", len(e.twins))
	e.logger.Info("Loaded twins at the end of the period", "count", len(e.twins))

	for id := range e.farms {
		address, err := client.FarmPayoutAddress(id, &endHash)
		if err != nil {
			return fmt.Errorf("load payout address of farm %d: %w", id, err)
		}
		if address != "" {
			e.payoutAddresses[id] = address
		}
	}
	e.logger.Info("Loaded payout addresses at the end of the period", "count", len(e.payoutAddresses))

	contractCount, err := client.ContractCount(&startHash)
	if err != nil {
		return err
	}
	for id := uint64(1); id <= contractCount; id++ {
		contract, err := client.Contract(id, &startHash)
		if err != nil {
			return fmt.Errorf("load contract %d: %w", id, err)
		}
		if contract == nil {
			continue
		}
		// Name contracts are actually billed once deployed through a node
		// contract, rent contracts carry no workload of their own.
		if contract.Kind != types.KindNodeContract {
			continue
		}
		resources := types.Resources{}
		if cr, err := client.ContractResources(id, &startHash); err != nil {
			return fmt.Errorf("load resources of contract %d: %w", id, err)
		} else if cr != nil {
			resources = cr.Used
		}
		e.contracts[contract.ContractID] = &Contract{
			ContractID: contract.ContractID,
			NodeID:     contract.NodeID,
			// A report should pop up for this.
			LastReportTS: 0,
			IPs:          contract.PublicIPs,
			Resources:    resources,
		}
	}
	log.Info("Loaded contracts", "count", len(e.contracts))
	e.logger.Info("Loaded existing contracts", "count", len(e.contracts))

	policyCount, err := client.FarmingPolicyCount(&endHash)
	if err != nil {
		return err
	}
	for id := uint32(1); id <= policyCount; id++ {
		policy, err := client.FarmingPolicy(id, &endHash)
		if err != nil {
			return fmt.Errorf("load farming policy %d: %w", id, err)
		}
		if policy != nil {
			e.policies[policy.ID] = policy
		}
	}
	log.Info("Loaded farming policies", "count", len(e.policies))
	e.logger.Info("Loaded farming policies at the end of the period", "count", len(e.policies))

	return nil
}

// replay feeds the blocks [start, end] through the given event handler, in
// strictly ascending height order.
func (e *Engine) replay(start, end uint32, handle func(height uint32, ts int64, evt chain.Event) error) error {
	blocks, wait := blockImport(e.dial, start, end)
	lastProgress := time.Now()
	for height := start; height <= end; height++ {
		block, ok := <-blocks
		if !ok {
			if err := wait(); err != nil {
				return err
			}
			return errImportEnded
		}
		if block.height != height {
			return fmt.Errorf("block import out of order: got %d, want %d", block.height, height)
		}
		e.logger.Debug("Loaded block", "height", block.height, "time", block.ts, "events", len(block.events))
		for _, evt := range block.events {
			eventCounter.Inc(1)
			if err := handle(block.height, block.ts, evt); err != nil {
				return fmt.Errorf("block %d: %w", block.height, err)
			}
		}
		blockCounter.Inc(1)
		if time.Since(lastProgress) > progressLogInterval {
			lastProgress = time.Now()
			log.Info("Replaying blocks", "height", height, "remaining", end-height,
				"chaintime", time.Unix(block.ts, 0).UTC().Format(time.RFC3339))
		}
	}
	return wait()
}

// handleEvent applies a single in-period event to the joint state.
func (e *Engine) handleEvent(height uint32, ts int64, evt chain.Event) error {
	switch event := evt.(type) {
	case chain.NodeStored:
		node := event.Node
		e.nodes[node.ID] = NewMintingNode(&node, NodeConnected{Current: true, Timestamp: ts})
		e.powerStates[node.ID] = types.DefaultNodePower()
		e.logger.Info("New node stored", "id", node.ID)

	case chain.NodeUpdated:
		node := event.Node
		old, ok := e.nodes[node.ID]
		if !ok {
			return fmt.Errorf("node update of unknown node %d", node.ID)
		}
		old.FarmID = node.FarmID
		old.TwinID = node.TwinID
		// Update resources, but only lower them in case of dead or removed
		// hardware. Do not update in case of added hardware as this is
		// currently unresolved.
		old.Resources.CRU = min(old.Resources.CRU, node.Resources.CRU)
		old.Resources.MRU = min(old.Resources.MRU, node.Resources.MRU)
		old.Resources.HRU = min(old.Resources.HRU, node.Resources.HRU)
		old.Resources.SRU = min(old.Resources.SRU, node.Resources.SRU)
		old.Location = node.Location
		old.Country = node.Country
		old.City = node.City
		// Update certification type. It's technically possible for a node
		// to jump from DIY to certified and back in the same period, but
		// practically that should not happen.
		old.CertificationType = node.Certification
		// It is possible that this also causes a node to get a different
		// farming policy ID.
		old.FarmingPolicyID = node.FarmingPolicyID
		// Update connection price. This should not happen, but it is here
		// in case the connection price of the node is modified in place in
		// the future with this generic event emitted once the 5 year fixed
		// time is expired.
		old.ConnectionPrice = node.ConnectionPrice
		// Even though this likely means the node is rebooted, don't mess
		// with uptime info. The reboot will be detected in the uptime
		// handler. This also does not change when the node was connected.
		//
		// Once a VM, always a VM.
		if node.Virtualized {
			old.Virtualized = node.Virtualized
		}
		e.logger.Info("Node updated", "id", node.ID)

	case chain.NodeUptimeReported:
		node, ok := e.nodes[event.NodeID]
		if !ok {
			return fmt.Errorf("uptime report for unknown node %d", event.NodeID)
		}
		return e.applyUptime(node, height, ts, int64(event.Timestamp), event.Uptime)

	case chain.ContractUsedResourcesUpdated:
		contract, ok := e.contracts[event.Resources.ContractID]
		if !ok {
			return fmt.Errorf("used resources for unknown contract %d", event.Resources.ContractID)
		}
		contract.Resources = event.Resources.Used
		e.logger.Debug("Updated used resources", "contract", contract.ContractID)

	case chain.NruConsumptionReceived:
		contract, ok := e.contracts[event.ContractID]
		if !ok {
			// If a contract is in grace period, there seem to still be NRU
			// reports. These may or may not be legit, depending on how zos
			// is set up. This warrants further investigation, as it would
			// indicate the network is not properly disconnected, but at
			// this point in time we ignore this.
			return nil
		}
		node, ok := e.nodes[contract.NodeID]
		if !ok {
			return fmt.Errorf("consumption for unknown node %d", contract.NodeID)
		}
		if ts <= contract.LastReportTS {
			// Silently ignore reports out of order, this consumption was
			// covered by an already processed report. This can happen if
			// the node pushes a contract consumption report twice.
			e.logger.Debug("Ignoring out of order NRU consumption report", "contract", contract.ContractID, "node", node.ID)
			return nil
		}
		if ts < e.period.Start {
			e.logger.Debug("Ignoring NRU consumption report which predates the period", "contract", contract.ContractID, "node", node.ID)
			return nil
		}
		window := event.Window
		node.CapacityConsumption.CRU = node.CapacityConsumption.CRU.add(mul128(contract.Resources.CRU, window))
		node.CapacityConsumption.MRU = node.CapacityConsumption.MRU.add(mul128(contract.Resources.MRU, window))
		node.CapacityConsumption.HRU = node.CapacityConsumption.HRU.add(mul128(contract.Resources.HRU, window))
		node.CapacityConsumption.SRU = node.CapacityConsumption.SRU.add(mul128(contract.Resources.SRU, window))
		node.CapacityConsumption.IPs += uint64(contract.IPs) * window
		node.CapacityConsumption.NRU += event.NRU
		contract.LastReportTS = ts
		e.logger.Debug("Added NRU consumption report", "contract", contract.ContractID, "node", node.ID)

	case chain.ContractCreated:
		contract := event.Contract
		if contract.Kind != types.KindNodeContract {
			return nil
		}
		e.contracts[contract.ContractID] = &Contract{
			ContractID:   contract.ContractID,
			NodeID:       contract.NodeID,
			LastReportTS: ts,
			IPs:          contract.PublicIPs,
		}
		e.logger.Info("Created contract", "contract", contract.ContractID, "node", contract.NodeID)

	case chain.PowerTargetChanged:
		power, ok := e.powerStates[event.NodeID]
		if !ok {
			return fmt.Errorf("power target change for unknown node %d", event.NodeID)
		}
		e.logger.Info("Power target changed", "node", event.NodeID, "from", power.Target, "to", event.Target)
		// Remember a rising edge here to validate the node actually boots.
		// This is cleared when a node sends an uptime report of a _reboot_.
		// It is allowed for this to happen if a rising edge is not consumed
		// yet, in which case the new event is ignored: time is measured
		// from the first request, and it is actually a good idea to send
		// multiple of these if the node does not react. This is only
		// tracked if the node is currently power managed; while an online
		// node shouldn't be asked to boot, there is no _real_ harm in doing
		// it anyway.
		if event.Target == types.PowerUp && power.State.Down {
			node, ok := e.nodes[event.NodeID]
			if !ok {
				return fmt.Errorf("power target change for unknown node %d", event.NodeID)
			}
			// Only remember the first boot request.
			if node.PowerManageBoot == nil {
				bootRequest := ts
				node.PowerManageBoot = &bootRequest
				e.logger.Info("Remembered boot request time", "node", node.ID)
			}
		}
		power.Target = event.Target
		e.powerStates[event.NodeID] = power

	case chain.PowerStateChanged:
		power, ok := e.powerStates[event.NodeID]
		if !ok {
			return fmt.Errorf("power state change for unknown node %d", event.NodeID)
		}
		e.logger.Info("Power state changed", "node", event.NodeID, "down", event.State.Down)
		// Allow the node a single uptime ping once it gets back on, which
		// indicates a reboot. Only with the target down as well.
		if power.Target == types.PowerDown {
			// Only on an up -> down transition.
			if !power.State.Down && event.State.Down {
				node, ok := e.nodes[event.NodeID]
				if !ok {
					return fmt.Errorf("power state change for unknown node %d", event.NodeID)
				}
				// If this is already set there was a previous transition
				// which was not followed by an uptime ping once the node
				// came online, meaning the node did not come up again;
				// ignore it here. Otherwise remember the time of going
				// down.
				if node.PowerManaged == nil {
					managed := ts
					node.PowerManaged = &managed
					// While we are at it, credit uptime since the last
					// uptime event, as this timestamp is the base for
					// future uptime calculations. Uptime can be zeroed,
					// the node will reboot anyway.
					if node.UptimeInfo != nil {
						delta := ts - node.UptimeInfo.LastReportedAt
						if delta < 0 {
							return fmt.Errorf("power state change for node %d travels back in time", node.ID)
						}
						node.UptimeInfo = &UptimeInfo{
							LastReportedAt: ts,
							TotalUptime:    node.UptimeInfo.TotalUptime + uint64(delta),
						}
					}
					e.logger.Info("Remembered farmer bot shutdown", "node", node.ID)
				}
			}
		}
		power.State = event.State
		e.powerStates[event.NodeID] = power
	}
	return nil
}

// applyUptime processes an in-period uptime report.
func (e *Engine) applyUptime(node *MintingNode, height uint32, ts, currentTime int64, reportedUptime uint64) error {
	switch {
	// We are power managed and got a request to wake up.
	case node.PowerManaged != nil && node.PowerManageBoot != nil:
		timeSetDown := *node.PowerManaged
		bootRequest := *node.PowerManageBoot
		// Ignore the event if it is sent before the node is supposed to go
		// down, this will be accounted for once the node starts up again.
		// For the node to have been properly power managed, it must be
		// booted after it was set down.
		boot := currentTime - int64(reportedUptime)
		if boot <= timeSetDown {
			e.logger.Info("Ignoring uptime event which predates the power down", "node", node.ID)
			return nil
		}
		timeDelta := currentTime - timeSetDown
		if timeDelta < 0 {
			return fmt.Errorf("uptime event for node %d travels back in time", node.ID)
		}
		var totalUptime uint64
		if node.UptimeInfo != nil {
			totalUptime = node.UptimeInfo.TotalUptime
		}
		// Only add uptime if the node came back online in time.
		if timeDelta <= params.MaxPowerManagerDowntime {
			// Scale to match the actual period start if needed.
			if timeSetDown < e.period.Start {
				totalUptime += uint64(currentTime - e.period.Start)
				e.logger.Info("Credited uptime for power managed node, scaled in period start", "node", node.ID, "credit", currentTime-e.period.Start)
			} else {
				totalUptime += uint64(timeDelta)
				e.logger.Info("Credited uptime for power managed node", "node", node.ID, "credit", timeDelta)
			}
		} else {
			e.logger.Info("Refusing to credit uptime for power managed node, last boot too long ago", "node", node.ID, "downtime", timeDelta)
		}
		// The node also needs to be booted within the allotted time frame.
		if boot-bootRequest > params.MaxPowerManagerBootTime {
			e.logger.Warn("Detected farmer bot boot violation", "node", node.ID, "requested", bootRequest, "booted", boot)
		}
		// Clear the power management markers; if the node is still power
		// managed this will be set again by the proper event handler.
		node.PowerManaged = nil
		node.PowerManageBoot = nil
		node.UptimeInfo = &UptimeInfo{
			LastReportedAt:     currentTime,
			LastReportedUptime: reportedUptime,
			TotalUptime:        totalUptime,
		}
		node.BootTime = &BootTime{Boot: boot, Detected: currentTime}

	// We are power managed but woke up without a boot request. Explicitly
	// ignored: being put to sleep by the farmer bot requires a wakeup from
	// the farmer bot.
	case node.PowerManaged != nil:
		e.logger.Info("Ignoring boot for power managed node without boot request", "node", node.ID)

	// We got a wakeup request from the farmer bot but are not sleeping
	// because of the farmer bot. This should not happen.
	case node.PowerManageBoot != nil:
		e.logger.Info("Ignoring uptime for node with boot request which was not sleeping", "node", node.ID)

	default:
		return e.applyRegularUptime(node, height, ts, currentTime, reportedUptime)
	}
	return nil
}

// applyRegularUptime is the uptime accounting of a node outside of power
// management.
func (e *Engine) applyRegularUptime(node *MintingNode, height uint32, ts, currentTime int64, reportedUptime uint64) error {
	info := node.UptimeInfo
	if info == nil {
		// First report in the period: credit up to the elapsed period time.
		periodDuration := currentTime - e.period.Start
		if periodDuration < 0 {
			periodDuration = 0
		}
		upInPeriod := min(uint64(periodDuration), reportedUptime, uint64(params.NodeUptimeReportInterval+params.UptimeGracePeriodSeconds))
		e.logger.Info("First uptime report", "node", node.ID, "reported", reportedUptime, "credit", upInPeriod)
		node.UptimeInfo = &UptimeInfo{
			LastReportedAt:     currentTime,
			LastReportedUptime: reportedUptime,
			TotalUptime:        upInPeriod,
		}
		node.BootTime = &BootTime{Boot: currentTime - int64(reportedUptime), Detected: currentTime}
		return nil
	}

	reportDelta := currentTime - info.LastReportedAt
	uptimeDelta := int64(reportedUptime) - int64(info.LastReportedUptime)
	// There are quite some situations here. Note that because the chain
	// only produces a block every 6 seconds, and with network delay plus a
	// host of other issues, reports get a grace period of a minute or so in
	// either direction.
	//
	// 1. The uptime advanced more than the time since the last report: the
	//    node is talking rubbish.
	if uptimeDelta > reportDelta+params.UptimeGracePeriodSeconds {
		node.SetViolation(types.Violation{
			Kind:              types.ViolationUptimeTooHigh,
			PreviousUptime:    info.LastReportedUptime,
			PreviousTimestamp: info.LastReportedAt,
			ReportedUptime:    reportedUptime,
			ReportedTimestamp: ts,
			BlockReported:     height,
		})
		node.UptimeInfo = &UptimeInfo{
			LastReportedAt:     currentTime,
			LastReportedUptime: reportedUptime,
			TotalUptime:        info.TotalUptime,
		}
		e.logger.Warn("Node reported uptime increase larger than the report gap", "node", node.ID, "uptimedelta", uptimeDelta, "reportdelta", reportDelta)
		return nil
	}
	// 2. The difference in uptime is within reason of the difference in
	//    report times, i.e. the node is properly reporting.
	if uptimeDelta <= reportDelta+params.UptimeGracePeriodSeconds &&
		uptimeDelta >= reportDelta-params.UptimeGracePeriodSeconds {
		if node.BootTime == nil {
			return fmt.Errorf("node %d does not have a boot time but does have uptime info", node.ID)
		}
		newBoot := currentTime - int64(reportedUptime)
		if skew := abs64(newBoot - node.BootTime.Boot); skew >= params.ClockSkewInterval {
			node.SetViolation(types.Violation{
				Kind:              types.ViolationClockSkew,
				OriginalBoot:      node.BootTime.Boot,
				CurrentBoot:       newBoot,
				PreviousTimestamp: node.BootTime.Detected,
				ReportedTimestamp: currentTime,
			})
			e.logger.Warn("Node has a detected clock skew", "node", node.ID, "skew", skew)
		}

		// It is technically possible for the delta to be less than 0 and
		// within the expected time frame: if a node boots, sends uptime,
		// then immediately reboots. Those cases are handled below by the
		// reboot detection.
		if uptimeDelta > 0 {
			// Add the uptime delta. If this is off by a couple of seconds
			// it will be corrected by the next pings anyhow. The credit is
			// limited to the report interval plus grace period, as healthy
			// nodes _must_ ping every interval.
			credit := min(uint64(uptimeDelta), uint64(params.NodeUptimeReportInterval+params.UptimeGracePeriodSeconds))
			if credit != uint64(uptimeDelta) {
				e.logger.Info("Credited uptime, clipped since the report gap is too big", "node", node.ID, "credit", credit, "reported", uptimeDelta)
			} else {
				e.logger.Debug("Credited reported uptime", "node", node.ID, "credit", credit)
			}
			node.UptimeInfo = &UptimeInfo{
				LastReportedAt:     currentTime,
				LastReportedUptime: reportedUptime,
				TotalUptime:        info.TotalUptime + credit,
			}
			return nil
		}
	}
	// 3. The difference in uptime is too low. Either way the node is
	//    considered rebooted; depending on the reported uptime the node
	//    reports legit uptime, or an uptime which is too high.
	//
	// 3.1. Uptime is within bounds.
	if int64(reportedUptime) <= reportDelta {
		credit := min(reportedUptime, uint64(params.NodeUptimeReportInterval+params.UptimeGracePeriodSeconds))
		if credit != reportedUptime {
			e.logger.Info("Credited uptime after a reboot, clipped since the gap is too big", "node", node.ID, "credit", credit, "reported", reportedUptime)
		} else {
			e.logger.Info("Credited reported uptime after a reboot", "node", node.ID, "credit", credit)
		}
		node.UptimeInfo = &UptimeInfo{
			LastReportedAt:     currentTime,
			LastReportedUptime: reportedUptime,
			TotalUptime:        info.TotalUptime + credit,
		}
		node.BootTime = &BootTime{Boot: currentTime - int64(reportedUptime), Detected: currentTime}
		return nil
	}
	// 3.2. Uptime is actually higher than the difference in timestamps, but
	//      not high enough to be valid. This means the node was supposedly
	//      rebooted _before_ the previous uptime report, meaning either
	//      that report is invalid or this one is.
	if reportedUptime > info.LastReportedUptime {
		if node.Violation.IsNone() {
			e.logger.Warn("Node reported uptime advancing slower than time", "node", node.ID, "reported", reportedUptime)
		}
		node.SetViolation(types.Violation{
			Kind:              types.ViolationUptimeTooLow,
			PreviousUptime:    info.LastReportedUptime,
			PreviousTimestamp: info.LastReportedAt,
			ReportedUptime:    reportedUptime,
			ReportedTimestamp: ts,
			BlockReported:     height,
		})
		return nil
	}
	// 3.3. Uptime is too high, this is garbage.
	if node.Violation.IsNone() {
		e.logger.Warn("Node reported uptime advancing faster than time", "node", node.ID, "reported", reportedUptime)
	}
	node.SetViolation(types.Violation{
		Kind:              types.ViolationInvalidReboot,
		PreviousUptime:    info.LastReportedUptime,
		PreviousTimestamp: info.LastReportedAt,
		ReportedUptime:    reportedUptime,
		ReportedTimestamp: ts,
		BlockReported:     height,
	})
	return nil
}

// handlePostPeriodEvent processes events in the grace window after the
// period. Only uptime reports are consequential here: they close out the
// uptime accounting of the period, with credit clipped to the period end.
func (e *Engine) handlePostPeriodEvent(height uint32, ts int64, evt chain.Event) error {
	event, ok := evt.(chain.NodeUptimeReported)
	if !ok {
		return nil
	}
	// An uptime report for an unknown node is possible if the node came
	// online after the period ended.
	node, ok := e.nodes[event.NodeID]
	if !ok {
		return nil
	}
	currentTime := int64(event.Timestamp)
	reportedUptime := event.Uptime

	switch {
	case node.PowerManaged != nil && node.PowerManageBoot != nil:
		timeSetDown := *node.PowerManaged
		bootRequest := *node.PowerManageBoot
		timeDelta := currentTime - timeSetDown
		if timeDelta < 0 {
			return fmt.Errorf("uptime event for node %d travels back in time", node.ID)
		}
		var totalUptime uint64
		if node.UptimeInfo != nil {
			if node.UptimeInfo.LastReportedAt >= e.period.End {
				return fmt.Errorf("more than one post period uptime event for power managed node %d", node.ID)
			}
			totalUptime = node.UptimeInfo.TotalUptime
		}
		// Only add uptime if the node came back online in time. The credit
		// is clipped to the period end.
		if timeDelta <= params.MaxPowerManagerDowntime {
			uptimeDiff := e.period.End - max(e.period.Start, timeSetDown)
			if uptimeDiff < 0 {
				return fmt.Errorf("node %d power down is past the period end", node.ID)
			}
			totalUptime += uint64(uptimeDiff)
			e.logger.Info("Credited uptime for farmer bot boot post period", "node", node.ID, "credit", uptimeDiff)
		}
		if currentTime-int64(reportedUptime)-bootRequest > params.MaxPowerManagerBootTime {
			e.logger.Warn("Detected farmer bot boot violation", "node", node.ID, "requested", bootRequest, "booted", currentTime-int64(reportedUptime))
		}
		node.PowerManaged = nil
		node.PowerManageBoot = nil
		node.UptimeInfo = &UptimeInfo{
			LastReportedAt:     currentTime,
			LastReportedUptime: reportedUptime,
			TotalUptime:        totalUptime,
		}
		node.BootTime = &BootTime{Boot: currentTime - int64(reportedUptime), Detected: currentTime}

	case node.PowerManaged != nil:
		e.logger.Info("Ignoring boot for power managed node without boot request", "node", node.ID)

	case node.PowerManageBoot != nil:
		e.logger.Info("Ignoring uptime for node with boot request which was not sleeping", "node", node.ID)

	default:
		if node.UptimeInfo == nil {
			return nil
		}
		info := node.UptimeInfo
		// Only collect one uptime event after the period ended.
		if info.LastReportedAt >= e.period.End {
			return nil
		}
		reportDelta := currentTime - info.LastReportedAt
		uptimeDelta := int64(reportedUptime) - int64(info.LastReportedUptime)
		deltaInPeriod := e.period.End - info.LastReportedAt

		// Violations are still registered here: this is the last chance, as
		// datapoints from before the period start are not scraped next
		// period.
		if uptimeDelta > reportDelta+params.UptimeGracePeriodSeconds {
			node.SetViolation(types.Violation{
				Kind:              types.ViolationUptimeTooHigh,
				PreviousUptime:    info.LastReportedUptime,
				PreviousTimestamp: info.LastReportedAt,
				ReportedUptime:    reportedUptime,
				ReportedTimestamp: ts,
				BlockReported:     height,
			})
			node.UptimeInfo = &UptimeInfo{
				LastReportedAt:     currentTime,
				LastReportedUptime: reportedUptime,
				TotalUptime:        info.TotalUptime,
			}
			e.logger.Warn("Node reported uptime increase larger than the report gap", "node", node.ID, "uptimedelta", uptimeDelta, "reportdelta", reportDelta)
			return nil
		}
		if uptimeDelta <= reportDelta+params.UptimeGracePeriodSeconds &&
			uptimeDelta >= reportDelta-params.UptimeGracePeriodSeconds {
			if node.BootTime == nil {
				return fmt.Errorf("node %d does not have a boot time but does have uptime info", node.ID)
			}
			newBoot := currentTime - int64(reportedUptime)
			if skew := abs64(newBoot - node.BootTime.Boot); skew >= params.ClockSkewInterval {
				node.SetViolation(types.Violation{
					Kind:              types.ViolationClockSkew,
					OriginalBoot:      node.BootTime.Boot,
					CurrentBoot:       newBoot,
					PreviousTimestamp: node.BootTime.Detected,
					ReportedTimestamp: currentTime,
				})
				e.logger.Warn("Node has a detected clock skew", "node", node.ID, "skew", skew)
			}
			if uptimeDelta > 0 {
				// Credit only up to the period end.
				credit := min(uint64(deltaInPeriod), uint64(params.NodeUptimeReportInterval+params.UptimeGracePeriodSeconds))
				node.UptimeInfo = &UptimeInfo{
					LastReportedAt:     currentTime,
					LastReportedUptime: reportedUptime,
					TotalUptime:        info.TotalUptime + credit,
				}
				e.logger.Info("Credited uptime post period", "node", node.ID, "credit", credit)
				return nil
			}
		}
		if int64(reportedUptime) <= reportDelta {
			// Account for the fact that we are actually out of the period.
			totalUptime := info.TotalUptime
			outOfPeriod := currentTime - e.period.End
			if outOfPeriod < int64(reportedUptime) {
				credit := min(reportedUptime-uint64(outOfPeriod), uint64(params.NodeUptimeReportInterval+params.UptimeGracePeriodSeconds))
				totalUptime += credit
				e.logger.Info("Credited uptime after a reboot post period", "node", node.ID, "credit", credit)
			}
			node.UptimeInfo = &UptimeInfo{
				LastReportedAt:     currentTime,
				LastReportedUptime: reportedUptime,
				TotalUptime:        totalUptime,
			}
			node.BootTime = &BootTime{Boot: currentTime - int64(reportedUptime), Detected: currentTime}
			return nil
		}
		if reportedUptime > info.LastReportedUptime {
			node.SetViolation(types.Violation{
				Kind:              types.ViolationUptimeTooLow,
				PreviousUptime:    info.LastReportedUptime,
				PreviousTimestamp: info.LastReportedAt,
				ReportedUptime:    reportedUptime,
				ReportedTimestamp: ts,
				BlockReported:     height,
			})
			e.logger.Warn("Node reported uptime advancing slower than time", "node", node.ID, "reported", reportedUptime)
			return nil
		}
		node.SetViolation(types.Violation{
			Kind:              types.ViolationInvalidReboot,
			PreviousUptime:    info.LastReportedUptime,
			PreviousTimestamp: info.LastReportedAt,
			ReportedUptime:    reportedUptime,
			ReportedTimestamp: ts,
			BlockReported:     height,
		})
		e.logger.Warn("Node reported uptime advancing faster than time", "node", node.ID, "reported", reportedUptime)
	}
	return nil
}

// finalize runs the post-replay checks: outstanding farmer bot boot
// requests, and the twin sanity of every node which was online.
func (e *Engine) finalize() {
	// For power manager boot requests, the case where a node does not
	// respond at all has not been checked yet. A day's worth of blocks
	// after the period end has been scanned without tracking new power on
	// requests, so any leftover request here is at least a day old, which
	// is way too much.
	for _, node := range e.nodes {
		if node.PowerManageBoot == nil {
			continue
		}
		// Ignore the synthetic marker of a node which was already down at
		// the period start and never tried to boot; no need to slap a
		// violation on what is likely a dead node.
		if *node.PowerManageBoot == e.startBlockTS {
			e.logger.Info("Not flagging slow boot for node which never tried to boot", "node", node.ID)
			continue
		}
		e.logger.Warn("Detected farmer bot boot violation, node never booted", "node", node.ID, "requested", *node.PowerManageBoot)
	}

	// Check twin relays and public keys. Only nodes which were online
	// matter.
	for _, node := range e.nodes {
		if node.UptimeInfo == nil {
			continue
		}
		twin, ok := e.twins[node.TwinID]
		if !ok {
			// This should not happen, but still catch it.
			node.SetViolation(types.Violation{Kind: types.ViolationMissingTwin})
			e.logger.Warn("Node ended period without twin", "node", node.ID)
			continue
		}
		if twin.Relay == nil || *twin.Relay == "" {
			node.SetViolation(types.Violation{Kind: types.ViolationMissingRelay})
			e.logger.Warn("Node ended period without twin relay set", "node", node.ID)
		}
		// Secp256k1 public keys are 33 bytes in compressed form.
		if twin.PK != nil && len(twin.PK) != 33 {
			node.SetViolation(types.Violation{Kind: types.ViolationInvalidPublicKey})
			e.logger.Warn("Node ended period with invalid public key on twin", "node", node.ID)
		}
	}
}

// Receipts builds the minting receipt for every known node, ordered by node
// id.
func (e *Engine) Receipts() []NodeReceipt {
	ids := make([]uint32, 0, len(e.nodes))
	for id := range e.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]NodeReceipt, 0, len(ids))
	for _, id := range ids {
		node := e.nodes[id]
		out = append(out, NodeReceipt{
			Node:    node,
			Receipt: node.Receipt(e.period, e.farms, e.payoutAddresses, e.policies),
		})
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
