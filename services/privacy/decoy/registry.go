// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package decoy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a synthesis task.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateStopped
	StateFailed
)

// String returns the display name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a task.
type Status struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	BatchID   string    `json:"batch_id"`
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Accepted  int       `json:"accepted"`
	Persisted int       `json:"persisted"`
	TooUnique bool      `json:"too_unique"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a handle on one background synthesis run.
//
// # Thread Safety
//
// Task is safe for concurrent use.
type Task struct {
	id        string
	sessionID string
	batchID   string
	createdAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	state     State
	accepted  int
	persisted int
	tooUnique bool
	err       error
}

// Status returns a snapshot of the task.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Status{
		TaskID:    t.id,
		SessionID: t.sessionID,
		BatchID:   t.batchID,
		State:     t.state,
		StateName: t.state.String(),
		Accepted:  t.accepted,
		Persisted: t.persisted,
		TooUnique: t.tooUnique,
		CreatedAt: t.createdAt,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

// Stop requests cancellation and waits for the run to wind down, up to
// timeout. Returns true if the task is no longer running.
func (t *Task) Stop(timeout time.Duration) bool {
	t.cancel()
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done is closed when the run has finished, for callers that want to
// select on completion.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// ErrSessionBusy is returned by Start when the session already has a
// running task and replace was not requested.
var ErrSessionBusy = errors.New("session already has a running synthesis task")

// Registry owns background synthesis tasks, one per session.
//
// # Description
//
// Starting a task for a session that already has one stops the old task
// first. All handles stay addressable by session until replaced, so
// status remains queryable after completion.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	engine *Engine

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRegistry creates a Registry running tasks on the given engine.
func NewRegistry(engine *Engine) *Registry {
	return &Registry{
		engine: engine,
		tasks:  make(map[string]*Task),
	}
}

// stopTimeout bounds how long Start waits for a replaced task.
const stopTimeout = 5 * time.Second

// Start launches a background run for the session and returns its handle.
func (r *Registry) Start(sessionID, query, response string) (*Task, error) {
	if query == "" || response == "" {
		return nil, ErrMissingInput
	}

	r.mu.Lock()
	if old, ok := r.tasks[sessionID]; ok && old.Status().State == StateRunning {
		r.mu.Unlock()
		if !old.Stop(stopTimeout) {
			return nil, ErrSessionBusy
		}
		r.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		id:        uuid.NewString(),
		sessionID: sessionID,
		batchID:   uuid.NewString(),
		createdAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRunning,
	}
	r.tasks[sessionID] = task
	r.mu.Unlock()

	slog.Info("synthesis task started", "taskId", task.id, "sessionId", sessionID)

	go func() {
		defer close(task.done)

		result, err := r.engine.Run(ctx, Request{
			Query:    query,
			Response: response,
			BatchID:  task.batchID,
			OnProgress: func(accepted, _ int) {
				task.mu.Lock()
				task.accepted = accepted
				task.mu.Unlock()
			},
		})

		task.mu.Lock()
		defer task.mu.Unlock()
		if result != nil {
			task.accepted = result.Accepted
			task.persisted = result.Persisted
			task.tooUnique = result.TooUnique
		}
		switch {
		case errors.Is(err, context.Canceled):
			task.state = StateStopped
		case err != nil:
			task.state = StateFailed
			task.err = err
		default:
			task.state = StateCompleted
		}
		slog.Info("synthesis task finished",
			"taskId", task.id,
			"state", task.state.String(),
			"persisted", task.persisted,
		)
	}()

	return task, nil
}

// Status returns the snapshot of the session's task, if any.
func (r *Registry) Status(sessionID string) (Status, bool) {
	r.mu.Lock()
	task, ok := r.tasks[sessionID]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return task.Status(), true
}

// Stop cancels the session's task if it is running. Returns true if a
// task existed and is now stopped.
func (r *Registry) Stop(sessionID string) bool {
	r.mu.Lock()
	task, ok := r.tasks[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return task.Stop(stopTimeout)
}

// StopAll cancels every running task, for shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.Stop(stopTimeout)
	}
}
