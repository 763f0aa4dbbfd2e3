// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package background is the BackgroundLoop: a periodic queue sweep, a
// tmux-session watchdog, and startup recovery, generalized from the
// teacher's Server.runLifecycle signal/stop/cleanup shape (pkg/server) into
// a context-driven loop that fits this codebase's ctx-cancellation idiom
// rather than the teacher's stopChan/doneChan pair.
package background

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/agent"
	"github.com/hephaestus-run/hephaestus/pkg/queue"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"golang.org/x/sync/errgroup"
)

// Config tunes the loop's timing. Zero values take the SetDefaults below.
type Config struct {
	SweepInterval       time.Duration
	WatchdogInterval    time.Duration
	HealthCheckFailures int
	ShutdownGracePeriod time.Duration
}

// SetDefaults fills zero-valued fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.HealthCheckFailures == 0 {
		c.HealthCheckFailures = 3
	}
	if c.ShutdownGracePeriod == 0 {
		c.ShutdownGracePeriod = 5 * time.Second
	}
}

// Loop owns the two recurring maintenance tasks every hephaestusd process
// runs alongside the HTTP server: re-admitting queued tasks as capacity
// frees up, and detecting agents whose tmux session died out from under
// them.
type Loop struct {
	store  *store.Store
	queue  *queue.Queue
	agents *agent.Manager
	cfg    Config
}

// New returns a Loop wired to its collaborators.
func New(st *store.Store, q *queue.Queue, agents *agent.Manager, cfg Config) *Loop {
	cfg.SetDefaults()
	return &Loop{store: st, queue: q, agents: agents, cfg: cfg}
}

// Run blocks until ctx is cancelled, running the sweep and watchdog tickers
// concurrently. On cancellation it gives in-flight work
// cfg.ShutdownGracePeriod to finish before returning.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.recoverOnStartup(ctx); err != nil {
		slog.Error("background: startup recovery failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.runTicker(gctx, l.cfg.SweepInterval, l.sweepOnce) })
	g.Go(func() error { return l.runTicker(gctx, l.cfg.WatchdogInterval, l.watchdogOnce) })

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownGracePeriod)
	defer cancel()
	<-shutdownCtx.Done()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// runTicker calls fn every interval until ctx is cancelled, logging but not
// aborting the loop on a single failed tick — a transient store error on
// one sweep shouldn't take the whole loop down.
func (l *Loop) runTicker(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				slog.Error("background: tick failed", "error", err)
			}
		}
	}
}

// sweepOnce re-admits every queued task that now clears admission, mirroring
// pkg/api's closeTask queue-reprocessing loop — the same "re-run Admit,
// only spawn what clears" sequence, run here on a timer instead of after
// one task's completion, to catch capacity freed by out-of-band agent
// termination (e.g. a manual terminate_agent call).
func (l *Loop) sweepOnce(ctx context.Context) error {
	ready, err := l.queue.DequeueReady(ctx)
	if err != nil {
		return err
	}
	for _, t := range ready {
		decision, err := l.queue.Admit(ctx, l.agents, t)
		if err != nil {
			return err
		}
		if !decision.Queued {
			if err := l.agents.SpawnPhaseAgent(ctx, t); err != nil {
				slog.Error("background: failed to spawn queued task", "task_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

// watchdogOnce polls every non-terminated agent's tmux session and records
// the outcome via RecordHealthCheck, which persists the consecutive-miss
// counter on the Agent row itself — so a process restart doesn't reset an
// agent halfway through accumulating failures back to zero.
func (l *Loop) watchdogOnce(ctx context.Context) error {
	ids, err := l.agents.LiveAgentIDs(ctx)
	if err != nil {
		return err
	}

	for _, agentID := range ids {
		alive, err := l.agents.HasLiveSession(ctx, agentID)
		if err != nil {
			slog.Error("background: failed to poll agent session", "agent_id", agentID, "error", err)
			continue
		}
		if _, err := l.agents.RecordHealthCheck(ctx, agentID, alive, l.cfg.HealthCheckFailures); err != nil {
			slog.Error("background: failed to record health check", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// recoverOnStartup logs the workflow executions still active from a prior
// process, so an operator can see at a glance what the queue sweep and
// watchdog are about to pick back up, then runs one queue sweep right away.
// The persisted Store state is already authoritative — nothing needs to be
// rebuilt in memory.
func (l *Loop) recoverOnStartup(ctx context.Context) error {
	executions, err := l.store.ListActiveWorkflowExecutions(ctx, nil)
	if err != nil {
		return err
	}
	slog.Info("background: recovered active workflow executions", "count", len(executions))
	return l.sweepOnce(ctx)
}
