package chain

import (
	"github.com/threefoldtech/minting/types"
)

// Runtime 131 introduced power management: the NodePower storage item and
// the power target/state events. The grid records themselves are unchanged
// from runtime 123.

type nodePowerV131 struct {
	State  wirePowerState
	Target wirePower
}

func (p *nodePowerV131) toCanonical() *types.NodePower {
	return &types.NodePower{
		State:  p.State.toCanonical(),
		Target: p.Target.toCanonical(),
	}
}

// eventRecordsV131 is the full event listing used to decode a block produced
// by runtime 131. The power events themselves live in the common set, since
// their primitive payload never changed once introduced; this alias mostly
// documents which runtime started emitting them.
type eventRecordsV131 struct {
	eventRecordsV123
}
