package graph

import (
	"errors"
	"fmt"
)

var ErrInvalidGraph = errors.New("invalid graph")

// Graph is an immutable compiled workflow.
type Graph[S, U any] struct {
	name    string
	entry   NodeID
	nodes   map[NodeID]*nodeSpec[S, U]
	order   []NodeID
	edges   map[NodeID]NodeID
	routers map[NodeID]RouterFunc[S]
	reduce  func(S, U) S
	onRoute func(Decision) U
}

func (g *Graph[S, U]) Name() string {
	return g.name
}

func (g *Graph[S, U]) Entry() NodeID {
	return g.entry
}

func (g *Graph[S, U]) Nodes() []NodeID {
	return append([]NodeID(nil), g.order...)
}

// Reduce folds update into state with the graph reducer.
func (g *Graph[S, U]) Reduce(state S, update U) S {
	return g.reduce(state, update)
}

func (g *Graph[S, U]) decide(from NodeID, state S) Decision {
	if router, ok := g.routers[from]; ok {
		return router(state)
	}

	to := g.edges[from]
	if to == End {
		return Terminal()
	}

	return To(to)
}

type Builder[S, U any] struct {
	g    *Graph[S, U]
	errs []error
}

// NewBuilder starts a graph whose updates are folded into state by reduce.
func NewBuilder[S, U any](name string, reduce func(S, U) S) *Builder[S, U] {
	return &Builder[S, U]{
		g: &Graph[S, U]{
			name:    name,
			nodes:   make(map[NodeID]*nodeSpec[S, U]),
			edges:   make(map[NodeID]NodeID),
			routers: make(map[NodeID]RouterFunc[S]),
			reduce:  reduce,
		},
	}
}

func (b *Builder[S, U]) fail(format string, args ...any) *Builder[S, U] {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
	return b
}

func (b *Builder[S, U]) AddNode(id NodeID, node Node[S, U], opts ...NodeOption) *Builder[S, U] {
	if id == "" || id == End {
		return b.fail("node id %q is reserved", id)
	}
	if _, ok := b.g.nodes[id]; ok {
		return b.fail("node %s added twice", id)
	}

	spec := &nodeSpec[S, U]{id: id, node: node}
	for _, opt := range opts {
		opt(&spec.opts)
	}

	b.g.nodes[id] = spec
	b.g.order = append(b.g.order, id)

	return b
}

// SetFallback registers graceful degradation for a node.
func (b *Builder[S, U]) SetFallback(id NodeID, fn FallbackFunc[S, U]) *Builder[S, U] {
	spec, ok := b.g.nodes[id]
	if !ok {
		return b.fail("fallback for unknown node %s", id)
	}

	spec.fallback = fn

	return b
}

func (b *Builder[S, U]) AddEdge(from, to NodeID) *Builder[S, U] {
	if _, ok := b.g.edges[from]; ok {
		return b.fail("node %s already has an edge", from)
	}
	if _, ok := b.g.routers[from]; ok {
		return b.fail("node %s already has a router", from)
	}

	b.g.edges[from] = to

	return b
}

func (b *Builder[S, U]) AddConditionalEdges(from NodeID, router RouterFunc[S]) *Builder[S, U] {
	if _, ok := b.g.edges[from]; ok {
		return b.fail("node %s already has an edge", from)
	}
	if _, ok := b.g.routers[from]; ok {
		return b.fail("node %s already has a router", from)
	}

	b.g.routers[from] = router

	return b
}

func (b *Builder[S, U]) SetEntry(id NodeID) *Builder[S, U] {
	b.g.entry = id
	return b
}

// OnRoute records every routing decision into state as an update.
func (b *Builder[S, U]) OnRoute(fn func(Decision) U) *Builder[S, U] {
	b.g.onRoute = fn
	return b
}

func (b *Builder[S, U]) Compile() (*Graph[S, U], error) {
	errs := append([]error(nil), b.errs...)

	if b.g.reduce == nil {
		errs = append(errs, errors.New("reducer is required"))
	}
	if _, ok := b.g.nodes[b.g.entry]; !ok {
		errs = append(errs, fmt.Errorf("entry node %q is not defined", b.g.entry))
	}

	for _, id := range b.g.order {
		_, hasEdge := b.g.edges[id]
		_, hasRouter := b.g.routers[id]
		if !hasEdge && !hasRouter {
			errs = append(errs, fmt.Errorf("node %s has no outgoing edge", id))
		}
	}

	for from, to := range b.g.edges {
		if _, ok := b.g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("edge from unknown node %s", from))
		}
		if _, ok := b.g.nodes[to]; !ok && to != End {
			errs = append(errs, fmt.Errorf("edge to unknown node %s", to))
		}
	}

	for from := range b.g.routers {
		if _, ok := b.g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("router on unknown node %s", from))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidGraph, b.g.name, errors.Join(errs...))
	}

	return b.g, nil
}
