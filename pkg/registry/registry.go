// Package registry tracks in-process runtime state for active builds. The
// durable record lives in the store; the registry holds what only exists
// while the build is running: the event bus, the persistence buffer, the
// sandbox handle, and the control channels for pause, cancel, and review
// gates.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/sandbox"
)

var (
	// ErrAlreadyRegistered is returned when a build is registered twice.
	ErrAlreadyRegistered = errors.New("registry: build already registered")

	// ErrNoPendingGate is returned when an approval arrives and the build is
	// not waiting at that gate.
	ErrNoPendingGate = errors.New("registry: no pending review gate")
)

// BuildState is the runtime state of one active build.
type BuildState struct {
	BuildID string
	Bus     *events.Bus
	Buffer  *events.Buffer

	cancel context.CancelFunc

	mu       sync.Mutex
	sandbox  sandbox.Sandbox
	paused   bool
	resumeCh chan struct{}
	gate     models.ReviewGate
	gateCh   chan models.GateApproval
	approved map[models.ReviewGate]bool
}

// NewBuildState creates runtime state for a build. cancel aborts the
// build's root context.
func NewBuildState(buildID string, bus *events.Bus, buffer *events.Buffer, cancel context.CancelFunc) *BuildState {
	return &BuildState{
		BuildID:  buildID,
		Bus:      bus,
		Buffer:   buffer,
		cancel:   cancel,
		approved: make(map[models.ReviewGate]bool),
	}
}

// Cancel aborts the build's root context.
func (s *BuildState) Cancel() {
	s.cancel()
}

// SetSandbox records the sandbox once provisioned.
func (s *BuildState) SetSandbox(sb sandbox.Sandbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sandbox = sb
}

// Sandbox returns the build's sandbox, or nil before provisioning.
func (s *BuildState) Sandbox() sandbox.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandbox
}

// Pause requests a pause. The build stops at its next checkpoint.
func (s *BuildState) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
}

// Resume lifts a pause. No-op when not paused.
func (s *BuildState) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumeCh)
	s.resumeCh = nil
}

// Paused reports whether a pause is requested.
func (s *BuildState) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// WaitIfPaused blocks while the build is paused. Returns the context error
// when the build is cancelled mid-pause.
func (s *BuildState) WaitIfPaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return nil
		}
		ch := s.resumeCh
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ExpectGate opens the approval mailbox for a gate. The orchestrator calls
// this before the AWAITING status becomes visible, so an approval that
// arrives before AwaitApproval parks is held in the mailbox rather than
// rejected.
func (s *BuildState) ExpectGate(gate models.ReviewGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
	s.gateCh = make(chan models.GateApproval, 1)
}

// AwaitApproval parks the build at a review gate until Approve delivers a
// matching decision or the context ends. Opens the mailbox itself when
// ExpectGate was not called first.
func (s *BuildState) AwaitApproval(ctx context.Context, gate models.ReviewGate) (models.GateApproval, error) {
	s.mu.Lock()
	if s.gateCh == nil || s.gate != gate {
		s.gate = gate
		s.gateCh = make(chan models.GateApproval, 1)
	}
	ch := s.gateCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.gateCh == ch {
			s.gate = ""
			s.gateCh = nil
		}
		s.mu.Unlock()
	}()

	select {
	case approval := <-ch:
		return approval, nil
	case <-ctx.Done():
		return models.GateApproval{}, ctx.Err()
	}
}

// PendingGate returns the gate the build is waiting at, or "" when none.
func (s *BuildState) PendingGate() models.ReviewGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// Approve delivers a gate decision into the mailbox. A repeat approval for
// a gate that was already approved is a no-op; an approval for a gate the
// build never opened returns ErrNoPendingGate.
func (s *BuildState) Approve(approval models.GateApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approved[approval.Gate] {
		return nil
	}
	if s.gateCh == nil || s.gate != approval.Gate {
		return ErrNoPendingGate
	}
	s.approved[approval.Gate] = true
	// Mailbox is buffered and the approved map guards against a second
	// send, so this never blocks under the lock.
	s.gateCh <- approval
	return nil
}

// Registry indexes the BuildStates of active builds.
type Registry struct {
	mu     sync.RWMutex
	builds map[string]*BuildState
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{builds: make(map[string]*BuildState)}
}

// Register adds a build's runtime state.
func (r *Registry) Register(state *BuildState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builds[state.BuildID]; ok {
		return ErrAlreadyRegistered
	}
	r.builds[state.BuildID] = state
	return nil
}

// Get returns the runtime state for an active build.
func (r *Registry) Get(buildID string) (*BuildState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.builds[buildID]
	return state, ok
}

// Remove drops a build from the registry, typically on terminal status.
func (r *Registry) Remove(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.builds, buildID)
}

// Len returns the number of active builds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builds)
}
