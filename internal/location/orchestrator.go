package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/telemetry"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusFailed    Status = "failed"
)

// Snapshot is the view of the orchestrator handed to consumers.
type Snapshot struct {
	Status     Status
	Fix        *data.Fix
	Failure    *data.Failure
	Cascade    State
	Generation uint64
}

// MobileAcquirer is the mobile proxy path.
type MobileAcquirer interface {
	Acquire(ctx context.Context) (data.Fix, error)
}

// Orchestrator owns the current fix. Each request starts a new generation
// and cancels the work of the one before. An asynchronous result is only
// applied if no newer request was made while it was in flight, so a slow
// automatic run can never overwrite a point the user picked meanwhile.
type Orchestrator struct {
	cascade *Cascade
	mobile  MobileAcquirer
	now     func() time.Time
	wg      sync.WaitGroup

	mu          sync.Mutex
	gen         uint64
	cancel      context.CancelFunc // stops the work of the current generation
	autoGen     uint64
	autoRunning bool
	status      Status
	fix         *data.Fix
	failure     *data.Failure
	state       State
	changed     chan struct{}
	subscribers []func(Snapshot)
	queue       []Snapshot
	delivering  bool
}

func NewOrchestrator(cascade *Cascade, mobile MobileAcquirer) *Orchestrator {
	if cascade == nil {
		cascade = &Cascade{}
	}
	return &Orchestrator{
		cascade: cascade,
		mobile:  mobile,
		now:     time.Now,
		status:  StatusIdle,
		changed: make(chan struct{}),
	}
}

// Subscribe registers fn to receive a snapshot after every change, in the
// order the changes happened. Snapshots are delivered by one goroutine at a
// time, so fn should return quickly.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) {
	o.mu.Lock()
	o.subscribers = append(o.subscribers, fn)
	o.mu.Unlock()
}

// RequestAutomatic starts the automatic cascade. It returns false without
// doing anything if a cascade of the current generation is still running.
// ctx bounds the run and should outlive the caller's request.
func (o *Orchestrator) RequestAutomatic(ctx context.Context) bool {
	o.mu.Lock()
	if o.autoRunning && o.autoGen == o.gen {
		o.mu.Unlock()
		return false
	}
	gen, ctx := o.startLocked(ctx)
	o.autoGen, o.autoRunning = gen, true
	o.status, o.failure, o.state = StatusResolving, nil, StateIdle
	o.changeLocked()
	o.wg.Add(1)
	o.mu.Unlock()
	o.deliver()

	go func() {
		defer o.wg.Done()
		fix, err := o.cascade.run(ctx, func(t Transition) { o.observeTransition(gen, t) })

		o.mu.Lock()
		if o.autoGen == gen {
			o.autoRunning = false
		}
		o.mu.Unlock()
		o.apply(gen, "automatic", fix, err)
	}()
	return true
}

// RequestMobile asks the mobile proxy for a fix. It supersedes and cancels
// any pending automatic run.
func (o *Orchestrator) RequestMobile(ctx context.Context) {
	o.mu.Lock()
	gen, ctx := o.startLocked(ctx)
	o.status, o.failure, o.state = StatusResolving, nil, StateIdle
	o.changeLocked()
	o.wg.Add(1)
	o.mu.Unlock()
	o.deliver()

	go func() {
		defer o.wg.Done()
		var fix data.Fix
		var err error
		if o.mobile == nil {
			err = &data.Failure{Reason: data.ErrProxyUnavailable, Message: "no mobile location proxy configured"}
		} else {
			fix, err = o.mobile.Acquire(ctx)
		}
		o.apply(gen, "mobile", fix, err)
	}()
}

// SetManual makes the given point the current fix immediately. Invalid
// coordinates are rejected and leave the current state untouched.
func (o *Orchestrator) SetManual(lat, lng float64) (data.Fix, error) {
	fix, err := Manual(lat, lng, o.now())
	if err != nil {
		return data.Fix{}, err
	}

	o.mu.Lock()
	o.supersedeLocked()
	o.fix, o.failure, o.status, o.state = &fix, nil, StatusResolved, StateIdle
	o.changeLocked()
	o.mu.Unlock()

	telemetry.Resolutions.WithLabelValues(string(fix.Source)).Inc()
	o.deliver()
	return fix, nil
}

// Clear drops the current fix and supersedes anything in flight.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	o.supersedeLocked()
	o.fix, o.failure, o.status, o.state = nil, nil, StatusIdle, StateIdle
	o.changeLocked()
	o.mu.Unlock()
	o.deliver()
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Await blocks until the orchestrator is no longer resolving.
func (o *Orchestrator) Await(ctx context.Context) (Snapshot, error) {
	for {
		o.mu.Lock()
		snap := o.snapshotLocked()
		changed := o.changed
		o.mu.Unlock()

		if snap.Status != StatusResolving {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Wait blocks until every request started so far has finished, whether its
// result was applied or discarded.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) apply(gen uint64, path string, fix data.Fix, err error) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		telemetry.Discarded.WithLabelValues(path).Inc()
		slog.Debug("discarding superseded result", "path", path, "generation", gen, "error", err)
		return
	}

	if err != nil {
		f := data.AsFailure(err, data.ErrSensorUnavailable)
		o.failure, o.status = f, StatusFailed
		telemetry.Failures.WithLabelValues(f.Code()).Inc()
	} else {
		o.fix, o.failure, o.status = &fix, nil, StatusResolved
		telemetry.Resolutions.WithLabelValues(string(fix.Source)).Inc()
	}
	o.changeLocked()
	o.mu.Unlock()
	o.deliver()
}

func (o *Orchestrator) observeTransition(gen uint64, t Transition) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.state = t.To
	o.changeLocked()
	o.mu.Unlock()
	o.deliver()
}

// supersedeLocked starts a new generation and cancels the work of the
// previous one.
func (o *Orchestrator) supersedeLocked() uint64 {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
	return o.gen
}

// startLocked supersedes the current generation and returns the context the
// new generation's work runs under.
func (o *Orchestrator) startLocked(parent context.Context) (uint64, context.Context) {
	gen := o.supersedeLocked()
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel
	return gen, ctx
}

// changeLocked wakes Await callers and queues the new state for subscribers.
func (o *Orchestrator) changeLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
	if len(o.subscribers) > 0 {
		o.queue = append(o.queue, o.snapshotLocked())
	}
}

// deliver hands queued snapshots to subscribers in the order they were
// taken. If another goroutine is already delivering, it picks up ours too.
func (o *Orchestrator) deliver() {
	o.mu.Lock()
	if o.delivering {
		o.mu.Unlock()
		return
	}
	o.delivering = true
	for len(o.queue) > 0 {
		snap := o.queue[0]
		o.queue = o.queue[1:]
		subs := append(([]func(Snapshot))(nil), o.subscribers...)
		o.mu.Unlock()

		for _, fn := range subs {
			fn(snap)
		}
		o.mu.Lock()
	}
	o.delivering = false
	o.mu.Unlock()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{Status: o.status, Failure: o.failure, Cascade: o.state, Generation: o.gen}
	if o.fix != nil {
		f := *o.fix
		snap.Fix = &f
	}
	return snap
}
