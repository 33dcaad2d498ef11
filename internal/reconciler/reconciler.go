// Package reconciler runs the periodic sweeps that move stuck work forward:
// expired verification windows, timed-out registration flows and agent tasks
// whose webhook never arrived.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/logger"
)

// Sweep is one periodic job. Run returns how many entities it moved.
type Sweep struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) (int, error)
}

type Reconciler struct {
	sweeps []Sweep
	log    *logger.Logger
}

func New(log *logger.Logger, sweeps ...Sweep) *Reconciler {
	return &Reconciler{sweeps: sweeps, log: log.With("component", "reconciler")}
}

// Relay, Registrar and Machine are the sweepable parts of each workflow.
type Relay interface {
	ExpireDue(ctx context.Context) (int, error)
}

type Registrar interface {
	ExpireDue(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) error
}

type Machine interface {
	ReconcileSending(ctx context.Context) (int, error)
}

// Standard wires the expiry sweeps on the sweep interval and the agent polls
// on the poll interval.
func Standard(relay Relay, registrar Registrar, machine Machine, cfg config.AutomationConfig, log *logger.Logger) *Reconciler {
	return New(log,
		Sweep{Name: "verification-expiry", Interval: cfg.SweepInterval, Run: relay.ExpireDue},
		Sweep{Name: "registration-expiry", Interval: cfg.SweepInterval, Run: registrar.ExpireDue},
		Sweep{Name: "registration-poll", Interval: cfg.PollInterval, Run: func(ctx context.Context) (int, error) {
			return 0, registrar.Reconcile(ctx)
		}},
		Sweep{Name: "application-poll", Interval: cfg.PollInterval, Run: machine.ReconcileSending},
	)
}

// Start runs every sweep once immediately and then on its own ticker until
// ctx is cancelled. It blocks until all loops have returned.
func (r *Reconciler) Start(ctx context.Context) {
	var g errgroup.Group
	for _, s := range r.sweeps {
		g.Go(func() error {
			r.loop(ctx, s)
			return nil
		})
	}
	r.log.Info("reconciler started", "sweeps", len(r.sweeps))
	_ = g.Wait() // loops only return on cancellation
	r.log.Info("reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context, s Sweep) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.runSweep(ctx, s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runSweep(ctx, s)
		}
	}
}

// RunOnce runs every sweep sequentially and returns the total moved.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	total := 0
	for _, s := range r.sweeps {
		total += r.runSweep(ctx, s)
	}
	return total
}

// runSweep isolates one sweep: an error or panic is logged and the next tick runs normally.
func (r *Reconciler) runSweep(ctx context.Context, s Sweep) (n int) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("sweep panicked", "sweep", s.Name, "panic", fmt.Sprint(rec))
			n = 0
		}
	}()

	n, err := s.Run(sctx)
	if err != nil {
		r.log.Warn("sweep failed", "sweep", s.Name, "moved", n, "error", err)
		return n
	}
	if n > 0 {
		r.log.Info("sweep moved entities", "sweep", s.Name, "moved", n)
	}
	return n
}
