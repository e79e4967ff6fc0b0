package integration

import (
	"fmt"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
)

// State is the setup lifecycle phase. Transitions only move forward
// through the happy path; Failed is re-entrant so a retry can pick up
// where stored resources left off.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StatePackageSelected State = "package_selected"
	StateDownloading     State = "downloading"
	StateVerifying       State = "verifying"
	StateReady           State = "ready"
	StateFailed          State = "failed"
)

// Terminal reports whether the setup flow has finished, successfully or not.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

var stateTransitions = map[State][]State{
	StateUninitialized:   {StatePackageSelected},
	StatePackageSelected: {StatePackageSelected, StateDownloading},
	StateDownloading:     {StateVerifying, StateFailed},
	StateVerifying:       {StateReady, StateFailed},
	StateReady:           {StateUninitialized},
	StateFailed:          {StatePackageSelected, StateDownloading, StateUninitialized},
}

func (s State) canTransition(to State) bool {
	for _, next := range stateTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionErr(from, to State) error {
	return apperrors.New(apperrors.ErrCodeInternal,
		fmt.Sprintf("invalid state transition %s -> %s", from, to), nil)
}
