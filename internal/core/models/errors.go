package models

import "errors"

var (
	// ErrStaleUpdate marks an update whose origin round is older than the
	// staleness bound allows. The update is dropped and never retried.
	ErrStaleUpdate = errors.New("stale update")
	// ErrInvalidRound marks an update that references a round that has not
	// opened yet, or is otherwise malformed.
	ErrInvalidRound = errors.New("invalid round")
	// ErrDuplicateUpdate is returned when a client already has an update in
	// the open window.
	ErrDuplicateUpdate = errors.New("duplicate update")
	// ErrQuorumStall is reported when a window stays open well past its
	// expected duration because too few candidates survive screening.
	ErrQuorumStall = errors.New("quorum stall")
	// ErrAggregationFailure means the window could not be combined into a
	// well-formed model. The round is retried with a fresh window.
	ErrAggregationFailure = errors.New("aggregation failure")
	// ErrCoordinatorStopped is returned to submitters once the coordinator
	// has reached its terminal state.
	ErrCoordinatorStopped = errors.New("coordinator stopped")
	// ErrCheckpointNotFound is returned by checkpoint stores with nothing saved.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)
