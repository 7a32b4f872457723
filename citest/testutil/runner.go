// Package testutil provides shared fixtures for the black-box suites under
// citest/.
package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/tillerhq/tiller/internal/runner"
)

// Script is one scripted agent run. Events are replayed in order; when Hold
// is set the stream blocks on it after the events drain, instead of ending
// immediately. Closing Hold releases the stream.
type Script struct {
	Events []runner.Event
	Hold   chan struct{}
}

// ScriptedRunner implements runner.Service by replaying scripts in order and
// recording every request and resume decision.
type ScriptedRunner struct {
	mu       sync.Mutex
	scripts  []Script
	resumes  []Script
	requests []runner.StreamRequest
	approved []string
	declined []string
}

// NewScriptedRunner creates a runner with no scripts queued. A Stream call
// with nothing queued yields an immediately empty run.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{}
}

// Add queues a plain script of events.
func (r *ScriptedRunner) Add(events ...runner.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, Script{Events: events})
}

// AddScript queues a script verbatim.
func (r *ScriptedRunner) AddScript(s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, s)
}

// AddResume queues the script replayed by the next resume call.
func (r *ScriptedRunner) AddResume(events ...runner.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, Script{Events: events})
}

func (r *ScriptedRunner) Stream(ctx context.Context, req runner.StreamRequest) (runner.EventStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if len(r.scripts) == 0 {
		return &scriptedStream{ctx: ctx}, nil
	}
	s := r.scripts[0]
	r.scripts = r.scripts[1:]
	return &scriptedStream{ctx: ctx, script: s}, nil
}

func (r *ScriptedRunner) ResumeWithApproval(ctx context.Context, runID, callID string) (runner.EventStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved = append(r.approved, callID)
	return &scriptedStream{ctx: ctx, script: r.popResume()}, nil
}

func (r *ScriptedRunner) ResumeWithDecline(ctx context.Context, runID, callID string) (runner.EventStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declined = append(r.declined, callID)
	return &scriptedStream{ctx: ctx, script: r.popResume()}, nil
}

func (r *ScriptedRunner) popResume() Script {
	if len(r.resumes) == 0 {
		return Script{}
	}
	s := r.resumes[0]
	r.resumes = r.resumes[1:]
	return s
}

// Requests returns a copy of the stream requests recorded so far.
func (r *ScriptedRunner) Requests() []runner.StreamRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runner.StreamRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

// RequestCount returns the number of runs started.
func (r *ScriptedRunner) RequestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Approved returns the call ids resumed with approval.
func (r *ScriptedRunner) Approved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.approved))
	copy(out, r.approved)
	return out
}

// Declined returns the call ids resumed with a decline.
func (r *ScriptedRunner) Declined() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.declined))
	copy(out, r.declined)
	return out
}

type scriptedStream struct {
	mu     sync.Mutex
	ctx    context.Context
	script Script
	i      int
}

func (s *scriptedStream) Recv() (runner.Event, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.i < len(s.script.Events) {
		ev := s.script.Events[s.i]
		s.i++
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()

	if s.script.Hold != nil {
		select {
		case <-s.script.Hold:
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error { return nil }
