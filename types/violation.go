package types

import "fmt"

// ViolationKind tags the kind of protocol violation detected for a node.
type ViolationKind int

const (
	// ViolationNone means no violation was detected.
	ViolationNone ViolationKind = iota
	// ViolationUptimeTooHigh means the node reported an uptime which
	// increased more than the time since the last report, accounting for the
	// grace period.
	ViolationUptimeTooHigh
	// ViolationUptimeTooLow means the node reported an uptime which
	// increased compared to the last report, is high enough to not be
	// considered a reboot, but is lower than expected for a running node.
	ViolationUptimeTooLow
	// ViolationInvalidReboot means the node is known to have rebooted, but
	// the reported uptime places the reboot before the previous report.
	ViolationInvalidReboot
	// ViolationClockSkew means the boot time derived from consecutive
	// reports drifted by at least the clock skew interval.
	ViolationClockSkew
	// ViolationMissingTwin means the node finished the period without an
	// existing twin.
	ViolationMissingTwin
	// ViolationMissingRelay means the node's twin has no relay configured.
	ViolationMissingRelay
	// ViolationInvalidPublicKey means the node's twin has a public key set
	// which is not a 33 byte compressed secp256k1 key.
	ViolationInvalidPublicKey
)

// Violation records a detected protocol violation together with the
// datapoints needed to reproduce the detection. Violations are sticky: the
// first one recorded for a node is kept, later ones are ignored.
type Violation struct {
	Kind ViolationKind

	// Datapoints for the uptime violations.
	PreviousUptime    uint64
	ReportedUptime    uint64
	PreviousTimestamp int64
	ReportedTimestamp int64
	BlockReported     uint32

	// Datapoints for clock skew.
	OriginalBoot int64
	CurrentBoot  int64
}

// IsNone reports whether no violation is recorded.
func (v Violation) IsNone() bool {
	return v.Kind == ViolationNone
}

// IsSome reports whether a violation is recorded.
func (v Violation) IsSome() bool {
	return v.Kind != ViolationNone
}

// String renders the violation for the overview file.
func (v Violation) String() string {
	switch v.Kind {
	case ViolationNone:
		return ""
	case ViolationUptimeTooHigh:
		return fmt.Sprintf("Node uptime increased more than time increased! Previous datapoint (%d, %d), new datapoint (%d, %d) in block %d",
			v.PreviousTimestamp, v.PreviousUptime, v.ReportedTimestamp, v.ReportedUptime, v.BlockReported)
	case ViolationUptimeTooLow:
		return fmt.Sprintf("Node uptime increased less than time increased, and node was not rebooted! Previous datapoint (%d, %d), new datapoint (%d, %d) in block %d",
			v.PreviousTimestamp, v.PreviousUptime, v.ReportedTimestamp, v.ReportedUptime, v.BlockReported)
	case ViolationInvalidReboot:
		return fmt.Sprintf("Node rebooted before the previous uptime report! Previous datapoint (%d, %d), new datapoint (%d, %d) in block %d",
			v.PreviousTimestamp, v.PreviousUptime, v.ReportedTimestamp, v.ReportedUptime, v.BlockReported)
	case ViolationClockSkew:
		return fmt.Sprintf("Node clock skewed, boot time moved from %d to %d between reports at %d and %d",
			v.OriginalBoot, v.CurrentBoot, v.PreviousTimestamp, v.ReportedTimestamp)
	case ViolationMissingTwin:
		return "Node ended the period without a twin"
	case ViolationMissingRelay:
		return "Node ended the period without a relay set on its twin"
	case ViolationInvalidPublicKey:
		return "Node ended the period with an invalid public key on its twin"
	default:
		return fmt.Sprintf("unknown violation %d", v.Kind)
	}
}
