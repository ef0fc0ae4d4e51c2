// Package params holds the protocol constants of the minting payout engine.
package params

const (
	// FirstPeriodStartTimestamp is the unix timestamp at which the very first
	// payout period started. All periods are anchored on this value.
	FirstPeriodStartTimestamp int64 = 1522501000

	// StandardPeriodDuration is the length of a standard payout period in
	// seconds. It is chosen such that there are exactly 60 periods in 5
	// years, accounting for leap days (i.e. roughly 12 periods per year).
	StandardPeriodDuration int64 = 24 * 60 * 60 * (365*3 + 366*2) / 60

	// UptimeGracePeriodSeconds is the amount of seconds of slack a node gets
	// on its uptime reports in either direction.
	//
	// Uptime reports are sent every 40 minutes, and a report only lands when
	// the chain produces a block. With a 6 second block time the chain
	// produces 600 blocks per hour, and even in a degraded chain with a
	// single remaining block producer the pending uptime calls of missed
	// blocks roll over into the next produced block. One minute of slack is
	// therefore sufficient for reports to land even under severely degraded
	// chain conditions.
	UptimeGracePeriodSeconds int64 = 60

	// ClockSkewInterval is the distance between two derived boot times of a
	// node from which on (this value or more) the node is considered to have
	// a drifting clock. A node can drift up to the grace period in one direction, and
	// later drift back the same amount in the other direction, hence twice
	// the grace period.
	ClockSkewInterval int64 = 2 * UptimeGracePeriodSeconds

	// NodeUptimeReportInterval is the interval in seconds at which nodes
	// push uptime reports to the chain.
	NodeUptimeReportInterval int64 = 60 * 40

	// MaxPowerManagerDowntime is the maximum amount of seconds a node can be
	// kept down by the farmer bot while still being credited uptime for the
	// sleeping window.
	MaxPowerManagerDowntime int64 = 60 * 60 * 24

	// MaxPowerManagerBootTime is the maximum amount of seconds a node has to
	// boot after the farmer bot set its power target to up.
	MaxPowerManagerBootTime int64 = 60 * 30

	// BlocksInHour is the expected amount of blocks produced in an hour.
	BlocksInHour uint32 = 10 * 60

	// PostPeriodScanHours is the amount of hours worth of blocks fetched
	// after the period end to catch the final uptime report of every node.
	PostPeriodScanHours uint32 = 27

	// GiB is the amount of bytes in a gibibyte.
	GiB = 1024 * 1024 * 1024

	// OneMill is the scale factor used for permill fixed point math on cloud
	// units.
	OneMill = 1_000_000

	// UnitsPerTFT is the amount of indivisible units that make up 1 TFT.
	UnitsPerTFT uint64 = 10_000_000

	// CuCarbonOffsetMusd is the carbon offset generated by 1 CU, in mUSD.
	CuCarbonOffsetMusd uint64 = 354
	// SuCarbonOffsetMusd is the carbon offset generated by 1 SU, in mUSD.
	SuCarbonOffsetMusd uint64 = 122

	// ReceiptConnectionPrice is the TFT connection price stamped on
	// receipts, in mUSD. The price stored on chain is currently unreliable,
	// so receipts carry this fixed value until the chain side is fixed.
	ReceiptConnectionPrice uint64 = 80

	// RPCWorkers is the amount of concurrent chain connections used by the
	// block import pipeline. RPC latency dominates the wall clock time of a
	// run, so blocks are fetched well ahead of the engine.
	RPCWorkers = 24

	// PreFetch is the buffered block count per fetch worker, providing
	// backpressure towards the chain endpoint.
	PreFetch = 5
)

// CarbonCreditAddress is the stellar address receiving the carbon credit TFT.
const CarbonCreditAddress = "GDIJY6K2BBRIRX423ZFUYKKFDN66XP2KMSBZFQSE2PSNDZ6EDVQTRLSU"

// TFTIssuer is the stellar account issuing TFT, used to enumerate payout
// transactions during reconciliation.
const TFTIssuer = "GBOVQKJYHXRR3DX6NOX2RRYFRCUMSADGDESTDNBDS6CDVLGVESRTAC47"

// HorizonURL is the default horizon endpoint used for payout reconciliation.
const HorizonURL = "https://horizon.stellar.org"
