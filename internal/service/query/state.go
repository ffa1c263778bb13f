package query

import (
	"errors"
	"time"

	"datapilot/internal/domain"
	"datapilot/internal/pool"
)

type state int

const (
	stateReceived state = iota
	stateTranslating
	stateValidating
	stateAcquiring
	stateExecuting
	statePersisting
	stateDone
)

func (s state) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateTranslating:
		return "translating"
	case stateValidating:
		return "validating"
	case stateAcquiring:
		return "acquiring"
	case stateExecuting:
		return "executing"
	case statePersisting:
		return "persisting"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// run is the mutable state of one request.
type run struct {
	identity domain.Identity
	record   *domain.QueryRecord
	state    state
	started  time.Time

	sql    string
	handle *pool.Handle
	result *domain.QueryResult

	err   *domain.QueryError // classified failure, persisted
	fatal error              // infrastructure failure, not persisted
}

func (r *run) fail(qe *domain.QueryError) {
	if r.err == nil {
		r.err = qe
	}
}

// failWith records err and moves to Persisting.
func (r *run) failWith(err error) state {
	var qe *domain.QueryError
	if errors.As(err, &qe) {
		r.fail(qe)
	} else {
		r.fatal = err
	}
	return statePersisting
}

func (r *run) release() {
	if r.handle != nil {
		r.handle.Release()
		r.handle = nil
	}
}
