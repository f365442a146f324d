// Package statusgraph holds the configurable status graphs that govern
// workflow and task transitions.
//
// A graph is data, not code: the same Check contract serves the local
// six-state workflow, the nine-state issue tracker flow, the task lifecycle
// and any graph loaded from a YAML file.
package statusgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidTransition is returned when no edge connects the current
	// status to the requested one.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrHumanGated is returned when an automatic caller tries to cross an
	// edge that only an explicit human confirmation may cross.
	ErrHumanGated = errors.New("transition requires human confirmation")
)

// Origin identifies who requested a transition.
type Origin int

const (
	// OriginHuman is an explicit request by a person, or a tool call that
	// relays one.
	OriginHuman Origin = iota
	// OriginAutomatic is a request originated by a polling actor or an
	// assistant acting on its own.
	OriginAutomatic
)

func (o Origin) String() string {
	if o == OriginAutomatic {
		return "automatic"
	}
	return "human"
}

// TransitionError describes a rejected transition.
type TransitionError struct {
	From  string
	To    string
	cause error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", e.cause, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.cause }

// NewTransitionError builds a TransitionError that matches cause with
// errors.Is.
func NewTransitionError[S ~string](cause error, from, to S) *TransitionError {
	return &TransitionError{From: string(from), To: string(to), cause: cause}
}

// Edge is one allowed directed transition.
type Edge[S ~string] struct {
	From       S
	To         S
	HumanGated bool
}

// Graph is a directed status graph with a few designated statuses.
type Graph[S ~string] struct {
	Name      string
	Initial   S
	Start     S   // entering it stamps started_at
	Completed []S // entering one stamps completed_at
	Terminal  []S // no further transition expected in normal operation
	Failure   []S // error outcomes
	Aliases   map[string]S
	edges     map[S]map[S]bool // from -> to -> human gated
	order     []Edge[S]
}

// New builds a graph from its edges.
func New[S ~string](name string, initial S, edges []Edge[S]) *Graph[S] {
	g := &Graph[S]{
		Name:    name,
		Initial: initial,
		Aliases: map[string]S{},
		edges:   make(map[S]map[S]bool),
	}
	for _, e := range edges {
		g.AddEdge(e)
	}
	return g
}

// AddEdge registers an edge, replacing the gating flag of an existing one.
func (g *Graph[S]) AddEdge(e Edge[S]) {
	targets, ok := g.edges[e.From]
	if !ok {
		targets = make(map[S]bool)
		g.edges[e.From] = targets
	}
	if _, exists := targets[e.To]; !exists {
		g.order = append(g.order, e)
	} else {
		for i := range g.order {
			if g.order[i].From == e.From && g.order[i].To == e.To {
				g.order[i].HumanGated = e.HumanGated
			}
		}
	}
	targets[e.To] = e.HumanGated
}

// Edges returns the edges in registration order.
func (g *Graph[S]) Edges() []Edge[S] {
	out := make([]Edge[S], len(g.order))
	copy(out, g.order)
	return out
}

// Check validates a transition without applying it. A status never
// transitions to itself.
func (g *Graph[S]) Check(from, to S, origin Origin) error {
	gated, ok := g.edge(from, to)
	if !ok {
		return NewTransitionError(ErrInvalidTransition, from, to)
	}
	if gated && origin == OriginAutomatic {
		return NewTransitionError(ErrHumanGated, from, to)
	}
	return nil
}

// HasEdge reports whether from -> to exists.
func (g *Graph[S]) HasEdge(from, to S) bool {
	_, ok := g.edge(from, to)
	return ok
}

// IsHumanGated reports whether the edge from -> to exists and is gated.
func (g *Graph[S]) IsHumanGated(from, to S) bool {
	gated, ok := g.edge(from, to)
	return ok && gated
}

func (g *Graph[S]) edge(from, to S) (gated bool, ok bool) {
	if from == to {
		return false, false
	}
	targets, found := g.edges[from]
	if !found {
		return false, false
	}
	gated, ok = targets[to]
	return gated, ok
}

// Targets returns every status reachable from the given one in one step.
func (g *Graph[S]) Targets(from S) []S {
	var out []S
	for _, e := range g.order {
		if e.From == from {
			out = append(out, e.To)
		}
	}
	return out
}

// AutomaticTargets returns the targets an automatic caller may move to.
func (g *Graph[S]) AutomaticTargets(from S) []S {
	var out []S
	for _, e := range g.order {
		if e.From == from && !e.HumanGated {
			out = append(out, e.To)
		}
	}
	return out
}

// AwaitsHuman reports whether every way out of status is human gated.
func (g *Graph[S]) AwaitsHuman(status S) bool {
	targets := g.edges[status]
	if len(targets) == 0 {
		return false
	}
	for _, gated := range targets {
		if !gated {
			return false
		}
	}
	return true
}

func (g *Graph[S]) IsTerminal(status S) bool  { return contains(g.Terminal, status) }
func (g *Graph[S]) IsCompleted(status S) bool { return contains(g.Completed, status) }
func (g *Graph[S]) IsFailure(status S) bool   { return contains(g.Failure, status) }

// Statuses lists every status the graph mentions, sorted.
func (g *Graph[S]) Statuses() []S {
	seen := map[S]bool{g.Initial: true}
	for _, e := range g.order {
		seen[e.From] = true
		seen[e.To] = true
	}
	out := make([]S, 0, len(seen))
	for s := range seen {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Knows reports whether status appears anywhere in the graph.
func (g *Graph[S]) Knows(status S) bool {
	for _, s := range g.Statuses() {
		if s == status {
			return true
		}
	}
	return false
}

// Normalize maps a display name (any case, aliases included) to the
// canonical status. Unknown names are upper-cased and returned as is.
func (g *Graph[S]) Normalize(name string) S {
	trimmed := strings.TrimSpace(name)
	for alias, status := range g.Aliases {
		if strings.EqualFold(alias, trimmed) {
			return status
		}
	}
	for _, s := range g.Statuses() {
		if strings.EqualFold(string(s), trimmed) {
			return s
		}
	}
	return S(strings.ToUpper(trimmed))
}

func contains[S ~string](set []S, status S) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
