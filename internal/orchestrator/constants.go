package orchestrator

import "time"

const (
	// Ended sessions kept for transcript retrieval.
	MaxRetainedSessions = 16

	// Budget for the VAD service check made when a session starts.
	DetectorCheckTimeout = 2 * time.Second
)
