package types

import (
	"fmt"
	"time"

	"github.com/threefoldtech/minting/params"
)

// Period is a payout window on the unix timeline. Periods are anchored on a
// fixed epoch and have a standard duration, such that there are exactly 60
// periods in 5 years.
//
// A period is considered a closed interval: both the start and end timestamp
// are part of it.
type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// PeriodAtOffset returns the period with the given offset since the anchor
// epoch.
func PeriodAtOffset(offset int64) Period {
	return Period{
		Start: params.FirstPeriodStartTimestamp + params.StandardPeriodDuration*offset,
		End:   params.FirstPeriodStartTimestamp + params.StandardPeriodDuration*(offset+1),
	}
}

// CurrentPeriod returns the period containing the current wall clock time.
func CurrentPeriod() Period {
	now := time.Now().Unix()
	offset := (now - params.FirstPeriodStartTimestamp) / params.StandardPeriodDuration
	return PeriodAtOffset(offset)
}

// Duration returns the length of the period in seconds.
func (p Period) Duration() int64 {
	return p.End - p.Start
}

// TimestampInPeriod reports whether ts falls inside the period.
func (p Period) TimestampInPeriod(ts int64) bool {
	return ts >= p.Start && ts <= p.End
}

// ScaleStart narrows the period to start at ts, leaving the end untouched.
// This is used for nodes which connected during the period, whose personal
// period only starts at their connection time.
//
// Panics if ts is after the period end.
func (p *Period) ScaleStart(ts int64) {
	if ts > p.End {
		panic(fmt.Sprintf("scaled period start %d exceeds period end %d", ts, p.End))
	}
	p.Start = ts
}
