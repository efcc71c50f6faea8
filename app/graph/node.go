// Package graph runs stateful workflows: nodes return partial updates, a
// reducer folds them into the state, routers pick the next nodes and every
// completed step is checkpointed.
package graph

import (
	"context"
	"fmt"
)

// NodeID names a node inside one graph.
type NodeID string

// End is the terminal pseudo node.
const End NodeID = "__end__"

// Node consumes the current state and returns a partial update. Nodes never
// mutate the state they are given.
type Node[S, U any] interface {
	Run(ctx context.Context, state S) (U, error)
}

type NodeFunc[S, U any] func(ctx context.Context, state S) (U, error)

func (f NodeFunc[S, U]) Run(ctx context.Context, state S) (U, error) {
	return f(ctx, state)
}

// FallbackFunc turns a node failure into a degraded update. Returning false
// keeps the failure.
type FallbackFunc[S, U any] func(state S, err error) (U, bool)

// NodeError reports the node that failed a step.
type NodeError struct {
	Node NodeID
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

type NodeOption func(*nodeOptions)

type nodeOptions struct {
	retry *RetryPolicy
}

// WithRetry overrides the executor retry policy for one node.
func WithRetry(p RetryPolicy) NodeOption {
	return func(o *nodeOptions) {
		o.retry = &p
	}
}

// NoRetry disables retries for one node.
func NoRetry() NodeOption {
	return WithRetry(RetryPolicy{MaxAttempts: 1})
}

type nodeSpec[S, U any] struct {
	id       NodeID
	node     Node[S, U]
	opts     nodeOptions
	fallback FallbackFunc[S, U]
}
