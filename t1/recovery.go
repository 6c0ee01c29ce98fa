package t1

import (
	"context"

	"github.com/looplab/fsm"
)

// Recovery ladder states. One ladder is created per Transmit call; every
// rung is climbed at most once.
var (
	StateOperational = "OPERATIONAL"
	StateResynch     = "RESYNCH"
	StateReset       = "RESET"
	StateMute        = "MUTE"
)

// RecoveryLadder tracks how far error recovery has escalated within a
// single Transmit call: retransmission is handled by the per-block retry
// budget, then S(RESYNCH request), then a cold reset, then giving up.
type RecoveryLadder struct {
	fsm *fsm.FSM
}

func NewRecoveryLadder() *RecoveryLadder {
	r := &RecoveryLadder{}
	r.fsm = fsm.NewFSM(
		StateOperational,
		fsm.Events{
			{Name: "escalate", Src: []string{StateOperational}, Dst: StateResynch},
			{Name: "escalate", Src: []string{StateResynch}, Dst: StateReset},
			{Name: "escalate", Src: []string{StateReset}, Dst: StateMute},
		},
		nil,
	)
	return r
}

func (r *RecoveryLadder) CurrentState() string {
	return r.fsm.Current()
}

// Escalate climbs one rung and returns the new state. Once MUTE is reached
// further calls stay there.
func (r *RecoveryLadder) Escalate() string {
	_ = r.fsm.Event(context.Background(), "escalate")
	return r.fsm.Current()
}
