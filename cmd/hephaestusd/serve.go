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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hephaestus-run/hephaestus/pkg/agent"
	"github.com/hephaestus-run/hephaestus/pkg/api"
	"github.com/hephaestus-run/hephaestus/pkg/background"
	"github.com/hephaestus-run/hephaestus/pkg/config"
	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/memory"
	"github.com/hephaestus-run/hephaestus/pkg/queue"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/task"
	"github.com/hephaestus-run/hephaestus/pkg/ticket"
	"github.com/hephaestus-run/hephaestus/pkg/tmux"
	"github.com/hephaestus-run/hephaestus/pkg/validation"
	"github.com/hephaestus-run/hephaestus/pkg/vectorstore"
	"github.com/hephaestus-run/hephaestus/pkg/workflow"
	"github.com/hephaestus-run/hephaestus/pkg/worktree"
)

// ServeCmd starts the orchestrator: the HTTP/SSE/WS surface and the
// background sweep/watchdog loop, sharing the collaborators built here.
type ServeCmd struct {
	Addr string `help:"Override http.addr from the config file."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("serve: shutdown signal received")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Addr != "" {
		cfg.HTTP.Addr = c.Addr
	}

	storeCfg := store.Config{
		Driver:         cfg.Store.Driver,
		DataSourceName: cfg.Store.DataSourceName,
		MaxOpenConns:   cfg.Store.MaxOpenConns,
		MaxIdleConns:   cfg.Store.MaxIdleConns,
	}
	if d, err := time.ParseDuration(cfg.Store.ConnMaxLifetime); err == nil {
		storeCfg.ConnMaxLifetime = d
	}
	st, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	vectors, err := buildVectorStore(cfg.Vectors)
	if err != nil {
		return fmt.Errorf("failed to build vector store: %w", err)
	}

	llm := llmprovider.NewFallback()
	hub := api.NewHub()

	worktrees := worktree.New(st, worktree.Config{
		MainRepoPath:     cfg.Worktree.MainRepoPath,
		WorktreeBasePath: cfg.Worktree.WorktreeBasePath,
		BranchPrefix:     cfg.Worktree.WorktreeBranchPrefix,
	})

	agents := agent.New(st, worktrees, tmux.New(), llm, hub, nil, agent.Config{
		TmuxSessionPrefix: cfg.Agent.TmuxSessionPrefix,
		DefaultCLITool:    cfg.Agent.DefaultCLITool,
		DefaultCLIModel:   cfg.Agent.CLIModel,
		GLMAPITokenEnv:    cfg.Agent.GLMAPITokenEnv,
	})

	q := queue.New(st, hub, cfg.Queue.MaxConcurrentAgents)
	workflows := workflow.New(st)

	if err := registerPhaseDefinitions(ctx, workflows, cfg.PhasesFolder); err != nil {
		return fmt.Errorf("failed to load phase definitions: %w", err)
	}

	validationEngine := validation.New(st, agents, worktrees, q, hub)

	tickets := ticket.New(st, vectors, llm, hub)
	memories := memory.New(st, vectors, llm)

	tasks := task.New(st, vectors, llm, workflows, q, hub, agents, task.Config{
		TopKMemories:   cfg.Task.TopKMemories,
		DedupThreshold: cfg.Task.DedupThreshold,
	})
	tickets.SetBlockSync(ticket.NewBlockSync(st, tasks))

	apiServer := api.NewServer(st, tasks, tickets, validationEngine, agents, workflows, q, memories, hub, api.Config{
		EnableCORS: cfg.HTTP.EnableCORS,
	})

	bgCfg := background.Config{HealthCheckFailures: cfg.Background.HealthCheckFailures}
	if d, err := time.ParseDuration(cfg.Background.SweepInterval); err == nil {
		bgCfg.SweepInterval = d
	}
	if d, err := time.ParseDuration(cfg.Background.WatchdogInterval); err == nil {
		bgCfg.WatchdogInterval = d
	}
	if d, err := time.ParseDuration(cfg.Background.ShutdownGracePeriod); err == nil {
		bgCfg.ShutdownGracePeriod = d
	}
	bgLoop := background.New(st, q, agents, bgCfg)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: apiServer.Routes(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bgLoop.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("serve: listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildVectorStore parses cfg.QdrantURL into the host/port pair
// vectorstore.QdrantConfig needs, or falls back to the in-memory store
// when no URL is configured (see vectorstore.New).
func buildVectorStore(cfg config.VectorConfig) (vectorstore.Store, error) {
	var qcfg vectorstore.QdrantConfig
	if cfg.QdrantURL != "" {
		host, portStr, err := net.SplitHostPort(cfg.QdrantURL)
		if err != nil {
			return nil, fmt.Errorf("invalid vectors.qdrant_url %q: %w", cfg.QdrantURL, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid vectors.qdrant_url port %q: %w", portStr, err)
		}
		qcfg.Host = host
		qcfg.Port = port
		qcfg.APIKey = cfg.QdrantAPIKey
		qcfg.CollectionPrefix = cfg.QdrantCollectionPrefix
	}
	return vectorstore.New(vectorstore.Config{Qdrant: qcfg})
}

// registerPhaseDefinitions loads every workflow definition found under
// dir (if any) and registers it with the engine, so an operator can drop
// in phase templates without a code change.
func registerPhaseDefinitions(ctx context.Context, workflows *workflow.Engine, dir string) error {
	if dir == "" {
		return nil
	}
	defs, err := config.LoadPhasesFolder(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := workflows.RegisterDefinition(ctx, def); err != nil {
			return fmt.Errorf("failed to register workflow definition %q: %w", def.ID, err)
		}
	}
	return nil
}
