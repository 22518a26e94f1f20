// Package queue runs the per-queue completion workers. A Runner owns one
// completion queue: it drains it, lets the owner replenish its producer
// rings and rearms it. Interrupt delivery only wakes the runner.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/cq"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
)

// Config describes a Runner
type Config struct {
	Name       string
	CQ         *cq.Queue
	Dispatcher cq.Dispatcher
	// Replenish runs after each service pass, before the queue is rearmed.
	// RX queue sets use it to publish re-posted buffers.
	Replenish func()
	// OnPass sees the completions each service pass dispatched
	OnPass func(entries int)
	// Budget bounds the entries handled per drain call
	Budget int
	// PollInterval, when set, drains on a ticker and leaves the queue
	// masked. Zero means interrupt driven.
	PollInterval time.Duration
	Logger       *logging.Logger
}

// Runner is the worker for one completion queue
type Runner struct {
	name      string
	cq        *cq.Queue
	d         cq.Dispatcher
	replenish func()
	onPass    func(int)
	budget    int
	poll      time.Duration
	wake      chan struct{}
	logger    *logging.Logger

	passes  atomic.Uint64
	entries atomic.Uint64
	wakeups atomic.Uint64
	running atomic.Bool
}

// NewRunner creates a runner; it does nothing until Run
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.CQ == nil || cfg.Dispatcher == nil {
		return nil, errors.New("queue runner: completion queue and dispatcher are required")
	}
	if cfg.Budget <= 0 {
		cfg.Budget = constants.DefaultDrainBudget
	}
	if cfg.Name == "" {
		cfg.Name = cfg.CQ.Name()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Runner{
		name:      cfg.Name,
		cq:        cfg.CQ,
		d:         cfg.Dispatcher,
		replenish: cfg.Replenish,
		onPass:    cfg.OnPass,
		budget:    cfg.Budget,
		poll:      cfg.PollInterval,
		wake:      make(chan struct{}, 1),
		logger:    cfg.Logger.With("cq", cfg.Name),
	}, nil
}

func (r *Runner) Name() string { return r.name }

// Interrupt is the top half for the queue's vector. It masks the queue and
// wakes the runner without blocking.
func (r *Runner) Interrupt() {
	r.cq.Mask()
	r.Wake()
}

// Wake schedules a service pass
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Service drains the queue until it is empty, replenishes and rearms. It
// returns the number of completions dispatched. Only the goroutine that owns
// the runner may call it.
func (r *Runner) Service() int {
	total := 0
	for {
		n := r.cq.Drain(r.budget, r.d)
		total += n
		if n < r.budget {
			break
		}
	}
	if r.replenish != nil {
		r.replenish()
	}
	r.cq.Rearm(r.poll == 0)

	r.passes.Add(1)
	r.entries.Add(uint64(total))
	if r.onPass != nil {
		r.onPass(total)
	}
	return total
}

// Run services the queue until ctx is cancelled. The queue is left masked.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("queue runner already running")
	}
	defer r.running.Store(false)

	var tick <-chan time.Time
	if r.poll > 0 {
		t := time.NewTicker(r.poll)
		defer t.Stop()
		tick = t.C
	}

	r.logger.Debug("completion worker started", "polling", r.poll > 0)
	for {
		r.Service()
		select {
		case <-ctx.Done():
			r.cq.Rearm(false)
			r.logger.Debug("completion worker stopping")
			return nil
		case <-r.wake:
			r.wakeups.Add(1)
		case <-tick:
		}
	}
}

// Stats are a runner's counters
type Stats struct {
	Passes  uint64
	Entries uint64
	Wakeups uint64
}

func (r *Runner) Stats() Stats {
	return Stats{
		Passes:  r.passes.Load(),
		Entries: r.entries.Load(),
		Wakeups: r.wakeups.Load(),
	}
}
