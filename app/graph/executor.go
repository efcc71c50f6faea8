package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"tutorgraph/app/failure"
	"tutorgraph/app/util/keylock"
	"tutorgraph/app/util/mylog"

	"golang.org/x/sync/errgroup"
)

var (
	ErrStepLimit       = errors.New("graph: step limit exceeded")
	ErrNothingToResume = failure.Newf(failure.KindNotFound, "resume", "no pending run")
)

type Options struct {
	Retry    RetryPolicy
	MaxSteps int
	Now      func() time.Time
}

// Result is the outcome of a run. On failure State is the last state that
// was successfully committed.
type Result[S any] struct {
	ThreadID string
	Status   Status
	Step     int64
	State    S
	Resumed  bool
}

// StartFunc inspects the latest checkpoint of a thread and either asks to
// resume its pending run or returns the update that begins a new one.
type StartFunc[S, U any] func(latest Checkpoint[S]) (update U, resume bool, err error)

// Executor drives a graph: run the pending nodes, fold their updates,
// route, checkpoint, repeat. Runs for the same thread are serialized.
type Executor[S, U any] struct {
	graph    *Graph[S, U]
	store    Checkpointer[S]
	locks    *keylock.Map
	retry    RetryPolicy
	maxSteps int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewExecutor[S, U any](g *Graph[S, U], store Checkpointer[S], opts Options) *Executor[S, U] {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.MaxSteps < 1 {
		opts.MaxSteps = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Executor[S, U]{
		graph:    g,
		store:    store,
		locks:    keylock.New(),
		retry:    opts.Retry,
		maxSteps: opts.MaxSteps,
		now:      opts.Now,
		sleep:    sleep,
	}
}

func (e *Executor[S, U]) Graph() *Graph[S, U] {
	return e.graph
}

// Load returns the latest checkpoint of a thread.
func (e *Executor[S, U]) Load(ctx context.Context, threadID string) (Checkpoint[S], error) {
	if e.store == nil {
		return initial[S](threadID), nil
	}

	return e.store.Load(ctx, threadID)
}

// History returns checkpoints of a thread, newest first.
func (e *Executor[S, U]) History(ctx context.Context, threadID string, limit int) ([]Checkpoint[S], error) {
	if e.store == nil {
		return nil, nil
	}

	return e.store.History(ctx, threadID, limit)
}

// Run begins or resumes a run of threadID, as decided by start.
func (e *Executor[S, U]) Run(ctx context.Context, threadID string, start StartFunc[S, U]) (Result[S], error) {
	if e.store == nil {
		return Result[S]{}, errors.New("graph: executor has no checkpointer")
	}

	ctx = mylog.With(ctx, "graph", e.graph.name, "thread_id", threadID)

	unlock, err := e.locks.Lock(ctx, threadID)
	if err != nil {
		return Result[S]{ThreadID: threadID, Status: StatusFailed}, err
	}
	defer unlock()

	latest, err := e.store.Load(ctx, threadID)
	if err != nil {
		return Result[S]{ThreadID: threadID, Status: StatusFailed}, classifyStore("checkpoint.load", err)
	}

	update, resume, err := start(latest)
	if err != nil {
		return Result[S]{ThreadID: threadID, Status: StatusFailed, Step: latest.Step, State: latest.State}, err
	}

	if resume {
		if !latest.Pending() {
			return Result[S]{ThreadID: threadID, Status: StatusFailed, Step: latest.Step, State: latest.State}, ErrNothingToResume
		}

		mylog.FromContext(ctx).Info("Resuming run",
			"step", latest.Step,
			"next", latest.Next,
		)

		res, err := e.loop(ctx, latest, e.put)
		res.Resumed = true

		return res, err
	}

	cp := Checkpoint[S]{
		ThreadID:  threadID,
		Step:      latest.Step + 1,
		Status:    StatusRunning,
		Next:      []NodeID{e.graph.entry},
		State:     e.graph.reduce(latest.State, update),
		CreatedAt: e.now(),
	}
	if err := e.put(ctx, cp); err != nil {
		return Result[S]{ThreadID: threadID, Status: StatusFailed, Step: latest.Step, State: latest.State}, err
	}

	return e.loop(ctx, cp, e.put)
}

// Resume continues the pending run of a thread.
func (e *Executor[S, U]) Resume(ctx context.Context, threadID string) (Result[S], error) {
	return e.Run(ctx, threadID, func(Checkpoint[S]) (U, bool, error) {
		var zero U
		return zero, true, nil
	})
}

// Invoke runs the graph to completion in memory. Used for nested graphs
// that live inside a single node of an outer graph.
func (e *Executor[S, U]) Invoke(ctx context.Context, state S) (S, error) {
	ctx = mylog.With(ctx, "graph", e.graph.name)

	cp := Checkpoint[S]{
		Status: StatusRunning,
		Next:   []NodeID{e.graph.entry},
		State:  state,
	}

	res, err := e.loop(ctx, cp, func(context.Context, Checkpoint[S]) error {
		return nil
	})

	return res.State, err
}

type persistFunc[S any] func(ctx context.Context, cp Checkpoint[S]) error

func (e *Executor[S, U]) loop(ctx context.Context, cp Checkpoint[S], persist persistFunc[S]) (Result[S], error) {
	failed := func(err error) (Result[S], error) {
		return Result[S]{
			ThreadID: cp.ThreadID,
			Status:   StatusFailed,
			Step:     cp.Step,
			State:    cp.State,
		}, err
	}

	for steps := 0; ; steps++ {
		if steps >= e.maxSteps {
			return failed(fmt.Errorf("%w: %d steps", ErrStepLimit, e.maxSteps))
		}
		if err := ctx.Err(); err != nil {
			return failed(err)
		}

		updates, err := e.step(ctx, cp.State, cp.Next)
		if err != nil {
			mylog.FromContext(ctx).Warn("Step failed",
				"step", cp.Step,
				"nodes", cp.Next,
				"error", err,
			)
			return failed(err)
		}

		state := cp.State
		for _, u := range updates {
			state = e.graph.reduce(state, u)
		}

		decisions := make([]Decision, 0, len(cp.Next))
		for _, id := range cp.Next {
			decisions = append(decisions, e.graph.decide(id, state))
		}
		decision := join(decisions)

		for _, id := range decision.Targets {
			if _, ok := e.graph.nodes[id]; !ok {
				return failed(fmt.Errorf("%w %s: route to unknown node %s", ErrInvalidGraph, e.graph.name, id))
			}
		}

		if e.graph.onRoute != nil {
			state = e.graph.reduce(state, e.graph.onRoute(decision))
		}

		next := Checkpoint[S]{
			ThreadID:  cp.ThreadID,
			Step:      cp.Step + 1,
			Status:    StatusRunning,
			Next:      decision.Targets,
			Ran:       slices.Clone(cp.Next),
			State:     state,
			CreatedAt: e.now(),
		}
		if decision.IsTerminal() {
			next.Status = StatusTerminal
			next.Next = nil
		}

		// A cancelled turn must not commit a step it could not finish.
		if err := ctx.Err(); err != nil {
			return failed(err)
		}

		if err := persist(ctx, next); err != nil {
			return failed(err)
		}

		mylog.FromContext(ctx).Debug("Step committed",
			"step", next.Step,
			"ran", next.Ran,
			"next", next.Next,
		)

		cp = next

		if cp.Status == StatusTerminal {
			return Result[S]{
				ThreadID: cp.ThreadID,
				Status:   StatusTerminal,
				Step:     cp.Step,
				State:    cp.State,
			}, nil
		}
	}
}

// step runs targets against the same state. Several targets run in
// parallel and all of them finish before any update is applied; updates are
// returned in target order.
func (e *Executor[S, U]) step(ctx context.Context, state S, targets []NodeID) ([]U, error) {
	if len(targets) == 1 {
		u, err := e.runNode(ctx, e.graph.nodes[targets[0]], state)
		if err != nil {
			return nil, err
		}
		return []U{u}, nil
	}

	updates := make([]U, len(targets))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, id := range targets {
		spec := e.graph.nodes[id]
		group.Go(func() error {
			u, err := e.runNode(groupCtx, spec, state)
			if err != nil {
				return err
			}
			updates[i] = u
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return updates, nil
}

func (e *Executor[S, U]) runNode(ctx context.Context, spec *nodeSpec[S, U], state S) (U, error) {
	var zero U

	if spec == nil {
		return zero, errors.New("graph: nil node")
	}

	policy := e.retry
	if spec.opts.retry != nil {
		policy = *spec.opts.retry
	}

	ctx = mylog.With(ctx, "node", spec.id)

	var err error
	for attempt := 1; ; attempt++ {
		var u U
		u, err = e.invoke(ctx, spec, state)
		if err == nil {
			return u, nil
		}

		if ctx.Err() != nil || !failure.Transient(err) || attempt >= policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		mylog.FromContext(ctx).Warn("Node failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		if serr := e.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}

	if spec.fallback != nil && ctx.Err() == nil {
		if u, ok := spec.fallback(state, err); ok {
			mylog.FromContext(ctx).Warn("Node degraded", "error", err)
			return u, nil
		}
	}

	return zero, &NodeError{Node: spec.id, Err: err}
}

func (e *Executor[S, U]) invoke(ctx context.Context, spec *nodeSpec[S, U], state S) (u U, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", spec.id, r)
		}
	}()

	return spec.node.Run(ctx, state)
}

func (e *Executor[S, U]) put(ctx context.Context, cp Checkpoint[S]) error {
	if err := e.store.Put(ctx, cp); err != nil {
		return classifyStore("checkpoint.put", err)
	}

	return nil
}

func classifyStore(op string, err error) error {
	if failure.KindOf(err) != "" {
		return err
	}

	return failure.New(failure.KindPersistence, op, err)
}
