// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fsm implements a small strict finite state machine over string-typed
// states and events.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidTransition is returned when no edge exists for the current state and event.
	ErrInvalidTransition = errors.New("fsm: invalid transition")
	// ErrConcurrentTransition is returned when the state moved while a guard was running.
	ErrConcurrentTransition = errors.New("fsm: concurrent transition")
)

// Transition describes a single edge. Guard may veto the edge.
type Transition[S ~string, E ~string] struct {
	From  S
	Event E
	To    S
	Guard func(ctx context.Context, from S, event E) error
}

// Observer is called after every applied transition, outside the lock.
type Observer[S ~string, E ~string] func(from, to S, event E)

type edge[S ~string, E ~string] struct {
	from  S
	event E
}

// Machine applies events to a current state. Unknown edges are errors.
type Machine[S ~string, E ~string] struct {
	mu        sync.Mutex
	state     S
	edges     map[edge[S, E]]Transition[S, E]
	observers []Observer[S, E]
}

// New builds a machine starting in initial. Duplicate (From, Event) pairs are rejected.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	edges := make(map[edge[S, E]]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := edge[S, E]{from: t.From, event: t.Event}
		if _, exists := edges[k]; exists {
			return nil, fmt.Errorf("fsm: duplicate transition %s --%s-->", t.From, t.Event)
		}
		edges[k] = t
	}
	return &Machine[S, E]{state: initial, edges: edges}, nil
}

// Observe registers fn to be notified of applied transitions.
func (m *Machine[S, E]) Observe(fn Observer[S, E]) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event has an edge from the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.edges[edge[S, E]{from: m.state, event: event}]
	return ok
}

// Fire applies event. The guard runs outside the lock; if another Fire moved the
// state in the meantime the transition is refused.
func (m *Machine[S, E]) Fire(ctx context.Context, event E) (S, error) {
	m.mu.Lock()
	from := m.state
	t, ok := m.edges[edge[S, E]{from: from, event: event}]
	m.mu.Unlock()
	if !ok {
		return from, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, from, event)
	}

	if t.Guard != nil {
		if err := t.Guard(ctx, from, event); err != nil {
			return from, err
		}
	}

	m.mu.Lock()
	if m.state != from {
		cur := m.state
		m.mu.Unlock()
		return cur, fmt.Errorf("%w: from=%s cur=%s event=%s", ErrConcurrentTransition, from, cur, event)
	}
	m.state = t.To
	observers := append([]Observer[S, E](nil), m.observers...)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, t.To, event)
	}
	return t.To, nil
}
