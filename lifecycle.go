package tracestream

import "github.com/jdziat/tracestream/pkg/lifecycle"

// State is the streamer lifecycle state.
type State = lifecycle.State

// Streamer states.
const (
	// StateRunning accepts messages.
	StateRunning = lifecycle.StateRunning

	// StateDraining is entered by Flush and Close. Put is still accepted
	// while only a Flush is running.
	StateDraining = lifecycle.StateDraining

	// StateStopped is entered when Close returns.
	StateStopped = lifecycle.StateStopped
)
