// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fsm is a small strict transition table used by the session
// orchestrator.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned for an event that has no edge from the current state.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition describes a single edge.
type Transition[S ~string, E ~string] struct {
	From  S
	Event E
	To    S
}

// Table is an immutable set of transitions shared by many machines.
type Table[S ~string, E ~string] struct {
	index map[string]S
	// OnTransition, if set, observes every committed transition.
	OnTransition func(from, to S, event E)
}

// NewTable validates transitions. States listed in terminal must have no outgoing edge.
func NewTable[S ~string, E ~string](transitions []Transition[S, E], terminal ...S) (*Table[S, E], error) {
	final := make(map[S]struct{}, len(terminal))
	for _, s := range terminal {
		final[s] = struct{}{}
	}
	t := &Table[S, E]{index: make(map[string]S, len(transitions))}
	for _, tr := range transitions {
		if _, ok := final[tr.From]; ok {
			return nil, fmt.Errorf("transition out of terminal state %s", tr.From)
		}
		k := key(tr.From, tr.Event)
		if _, exists := t.index[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", tr.From, tr.Event)
		}
		t.index[k] = tr.To
	}
	return t, nil
}

// Machine holds the current state of one instance driven by a Table.
type Machine[S ~string, E ~string] struct {
	table *Table[S, E]
	mu    sync.Mutex
	state S
}

// New returns a machine in the initial state.
func New[S ~string, E ~string](table *Table[S, E], initial S) *Machine[S, E] {
	return &Machine[S, E]{table: table, state: initial}
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies event and returns the new state. On error the state is unchanged.
func (m *Machine[S, E]) Fire(_ context.Context, event E) (S, error) {
	m.mu.Lock()
	from := m.state
	to, ok := m.table.index[key(from, event)]
	if !ok {
		m.mu.Unlock()
		return from, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, from, event)
	}
	m.state = to
	m.mu.Unlock()

	if m.table.OnTransition != nil {
		m.table.OnTransition(from, to, event)
	}
	return to, nil
}

func key[S ~string, E ~string](from S, event E) string {
	return string(from) + "|" + string(event)
}
