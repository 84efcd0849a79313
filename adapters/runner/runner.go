// Package runner provides JobRunner implementations.
// The real execution plane lives outside this service; these adapters cover
// local development and tests.
package runner

import (
	"context"
	"strconv"
	"sync"

	"github.com/artpar/credmeter/ports"
)

// Noop accepts every handoff and assigns sequential queue ids.
type Noop struct {
	mu   sync.Mutex
	next int
}

// NewNoop creates a no-op runner.
func NewNoop() *Noop {
	return &Noop{}
}

// Enqueue records nothing and returns a fresh queue id.
func (r *Noop) Enqueue(_ context.Context, _ ports.Handoff) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return "q-" + strconv.Itoa(r.next), nil
}

// Recorder captures handoffs for assertions in tests.
type Recorder struct {
	mu       sync.Mutex
	handoffs []ports.Handoff
	err      error
	next     int
}

// NewRecorder creates a recording runner.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Fail makes subsequent Enqueue calls return err.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Enqueue captures the handoff.
func (r *Recorder) Enqueue(_ context.Context, h ports.Handoff) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.handoffs = append(r.handoffs, h)
	r.next++
	return "q-" + strconv.Itoa(r.next), nil
}

// Handoffs returns a copy of everything enqueued so far.
func (r *Recorder) Handoffs() []ports.Handoff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.Handoff(nil), r.handoffs...)
}

// Ensure interface compliance.
var (
	_ ports.JobRunner = (*Noop)(nil)
	_ ports.JobRunner = (*Recorder)(nil)
)
