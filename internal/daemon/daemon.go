// Package daemon wires the store, queue, agent registry, and executor
// pool into one long-running process: crash recovery on startup, a
// claim-then-submit poll loop, a robfig/cron-scheduled orphan sweep,
// and signal-driven graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskforge/taskforge/internal/pool"
	"github.com/taskforge/taskforge/internal/queue"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

// heartbeatInterval is how often the daemon refreshes its pool's
// liveness row, independent of
// the (usually much coarser) orphan-recovery sweep schedule.
const heartbeatInterval = 15 * time.Second

// Daemon owns the executor pool lifecycle and periodic maintenance.
type Daemon struct {
	store           *store.Store
	queue           *queue.TaskQueue
	pool            *pool.Pool
	cron            *cron.Cron
	sweepSchedule   string
	pollInterval    time.Duration
	orphanTimeout   time.Duration
	gracefulTimeout time.Duration
}

// Config holds the daemon's tunables.
type Config struct {
	RecoverySweepCron string
	PollInterval      time.Duration
	OrphanTimeout     time.Duration
	GracefulTimeout   time.Duration
}

func New(s *store.Store, q *queue.TaskQueue, p *pool.Pool, cfg Config) *Daemon {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RecoverySweepCron == "" {
		cfg.RecoverySweepCron = "@every 1m"
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = 30 * time.Minute
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 30 * time.Second
	}
	return &Daemon{
		store:           s,
		queue:           q,
		pool:            p,
		cron:            cron.New(),
		sweepSchedule:   cfg.RecoverySweepCron,
		pollInterval:    cfg.PollInterval,
		orphanTimeout:   cfg.OrphanTimeout,
		gracefulTimeout: cfg.GracefulTimeout,
	}
}

// Run performs startup crash recovery, starts the claim-then-submit
// poll loop and the orphan-recovery cron job, then blocks until
// SIGINT/SIGTERM triggers a graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.recoverOnStartup(ctx); err != nil {
		return err
	}

	if d.pool != nil {
		if err := d.registerWorker(ctx); err != nil {
			log.Printf("daemon: worker registration failed: %v", err)
		}
	}

	if _, err := d.cron.AddFunc(d.sweepSchedule, func() {
		if err := d.sweepOrphans(context.Background()); err != nil {
			log.Printf("daemon: orphan sweep failed: %v", err)
		}
	}); err != nil {
		return err
	}
	d.cron.Start()
	defer d.cron.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		d.pollLoop(loopCtx)
	}()

	if d.pool != nil {
		go d.heartbeatLoop(loopCtx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Println("daemon: shutdown signal received")
	case <-ctx.Done():
		log.Println("daemon: context cancelled")
	}

	cancel()
	<-pollDone
	if err := d.pool.Shutdown(d.gracefulTimeout); err != nil {
		log.Printf("daemon: pool shutdown: %v", err)
		return err
	}
	log.Println("daemon: exited gracefully")
	return nil
}

// pollLoop is the daemon-owned claim-then-submit loop: it
// claims the next QUEUED task and hands it to the pool, backing off to
// the next tick whenever there is nothing to claim or the pool has no
// free slot.
func (d *Daemon) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Daemon) pollOnce(ctx context.Context) {
	if d.pool.ActiveCount() >= d.pool.Capacity() {
		return
	}

	claimed, err := d.queue.Claim(ctx, d.pool.ID())
	if err != nil {
		log.Printf("daemon: claim failed: %v", err)
		return
	}
	if claimed == nil {
		return
	}

	d.dispatch(ctx, claimed)
}

// dispatch hands a claimed task to the pool, releasing the claim back
// to QUEUED if the pool turns out to have no free slot — the one race
// between a claim and the pool's actual capacity, since ActiveCount is checked before Claim but another poll tick
// or another daemon instance may fill the last slot in between.
func (d *Daemon) dispatch(ctx context.Context, claimed *task.Task) {
	if err := d.pool.Submit(claimed); err != nil {
		if errors.Is(err, pool.ErrBusy) {
			if relErr := d.queue.Release(ctx, claimed.ID); relErr != nil {
				log.Printf("daemon: failed to release task %s after BusyError: %v", claimed.ID, relErr)
			}
			return
		}
		log.Printf("daemon: submit failed for task %s: %v", claimed.ID, err)
	}
}

// registerWorker upserts this daemon's pool as a live worker row so
// GET /api/metrics can report hostname/pid/uptime alongside the pool's
// in-memory active count.
func (d *Daemon) registerWorker(ctx context.Context) error {
	hostname, _ := os.Hostname()
	return d.store.RegisterWorker(ctx, d.pool.ID(), hostname, os.Getpid(), d.pool.Capacity())
}

// heartbeatLoop periodically refreshes this pool's liveness row until
// ctx is cancelled (daemon shutdown).
func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Heartbeat(ctx, d.pool.ID(), d.pool.ActiveCount()); err != nil {
				log.Printf("daemon: heartbeat failed: %v", err)
			}
		}
	}
}

// recoverOnStartup releases every RUNNING task back to QUEUED, since a
// RUNNING task found at process start can only mean the previous
// process crashed mid-execution.
func (d *Daemon) recoverOnStartup(ctx context.Context) error {
	running := task.StatusRunning
	stuck, err := d.queue.List(ctx, &running)
	if err != nil {
		return err
	}
	for _, t := range stuck {
		if err := d.queue.Release(ctx, t.ID); err != nil {
			log.Printf("daemon: failed to release stuck task %s: %v", t.ID, err)
			continue
		}
		log.Printf("daemon: released stuck task %s back to QUEUED on startup", t.ID)
	}
	return nil
}

// sweepOrphans releases any RUNNING task whose claim has outlived
// orphanTimeout without completing, covering a worker that died
// without crashing the whole process.
func (d *Daemon) sweepOrphans(ctx context.Context) error {
	running := task.StatusRunning
	tasks, err := d.queue.List(ctx, &running)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-d.orphanTimeout)
	for _, t := range tasks {
		if t.ClaimedAt == nil || t.ClaimedAt.After(cutoff) {
			continue
		}
		if err := d.queue.Release(ctx, t.ID); err != nil {
			log.Printf("daemon: failed to recover orphaned task %s: %v", t.ID, err)
			continue
		}
		log.Printf("daemon: recovered orphaned task %s (claimed at %s)", t.ID, t.ClaimedAt)
	}
	return nil
}
