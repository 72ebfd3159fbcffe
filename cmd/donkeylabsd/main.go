// Command donkeylabsd boots the core engines — Event Bus, Persistent Logs,
// Jobs, Processes Supervisor, Workflows Engine — behind the HTTP boundary.
// Job handlers, process definitions, and workflow definitions are
// registered by an embedding application before Start is called; this
// binary on its own is the bare daemon shell.
//
// Grounded on backend/main.go: open the store, load config,
// wire the one big dependency struct, start background engines, serve
// HTTP, wait for SIGINT/SIGTERM, shut down with a bounded grace period.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/donkeylabs/core/config"
	"github.com/donkeylabs/core/eventbus"
	"github.com/donkeylabs/core/httpapi"
	"github.com/donkeylabs/core/internal/backoff"
	"github.com/donkeylabs/core/jobs"
	"github.com/donkeylabs/core/logsvc"
	"github.com/donkeylabs/core/processes"
	"github.com/donkeylabs/core/store"
	"github.com/donkeylabs/core/store/postgres"
	"github.com/donkeylabs/core/store/sqlite"
	"github.com/donkeylabs/core/workflows"
)

var version = "dev"

// bootConfig is the bootstrap configuration read once at process start, as
// opposed to config.Data which lives in the store and is reloadable at
// runtime.
type bootConfig struct {
	Backend         string `env:"DONKEYLABS_BACKEND" envDefault:"sqlite"` // "postgres" | "sqlite"
	DBDSN           string `env:"DONKEYLABS_DB_DSN" envDefault:"donkeylabs.db"`
	HandshakeSecret string `env:"DONKEYLABS_HANDSHAKE_SECRET"`
	ResumeStrategy  string `env:"DONKEYLABS_RESUME_STRATEGY" envDefault:"background"`
}

func main() {
	var boot bootConfig
	if err := env.Parse(&boot); err != nil {
		log.Fatalf("donkeylabsd: env: %v", err)
	}
	fmt.Printf("donkeylabsd %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, boot)
	if err != nil {
		log.Fatalf("donkeylabsd: store: %v", err)
	}
	defer st.Close()

	cfg, err := config.Load(ctx, st)
	if err != nil {
		log.Fatalf("donkeylabsd: config: %v", err)
	}
	data := cfg.Get()

	bus := eventbus.New(eventbus.WithHistory(eventbus.NewRingHistory(data.MaxHistorySize)))

	logs := logsvc.New(st.Logs(), bus, logsvc.Config{
		MaxBufferSize:   data.MaxBufferSize,
		FlushInterval:   data.FlushInterval(),
		CleanupInterval: data.CleanupInterval(),
		Retention:       retentionPolicy(data.RetentionDaysBySource),
	})
	defer logs.Stop(context.Background())

	jq := jobs.New(st.Jobs(), bus, jobs.Config{
		PollInterval:       data.PollInterval(),
		LeaseDuration:      data.LeaseDuration(),
		HeartbeatInterval:  data.HeartbeatInterval(),
		DefaultMaxAttempts: data.DefaultMaxAttempts,
		Concurrency:        data.JobConcurrency,
		Backoff: backoff.Config{
			InitialDelay: time.Duration(data.BackoffInitialMs) * time.Millisecond,
			Multiplier:   data.BackoffMultiplier,
			MaxDelay:     time.Duration(data.BackoffMaxMs) * time.Millisecond,
		},
	})
	jq.Start(ctx)
	defer jq.Stop()

	var handshakeSecret []byte
	if boot.HandshakeSecret != "" {
		handshakeSecret = []byte(boot.HandshakeSecret)
	}

	sup := processes.New(st.Processes(), bus, processes.Config{
		SocketDir:              data.SocketDir,
		UseTCP:                 data.UseTCPFallback,
		TCPPortLow:             data.TCPPortLow,
		TCPPortHigh:            data.TCPPortHigh,
		HeartbeatCheckInterval: data.HeartbeatCheckInterval(),
		KillGrace:              data.KillGrace(),
		ReadyTimeout:           data.ReadyTimeout(),
		HandshakeSecret:        handshakeSecret,
	})
	if err := sup.Start(ctx); err != nil {
		log.Fatalf("donkeylabsd: processes: %v", err)
	}
	defer sup.Shutdown(context.Background())

	wf := workflows.New(st.Workflows(), bus, &workflows.IsolateRunner{
		SocketDir:        data.SocketDir,
		ReadyTimeout:     data.WorkflowReadyTimeout(),
		HeartbeatTimeout: data.WorkflowHeartbeatTimeout(),
		KillGrace:        data.WorkflowKillGrace(),
		HandshakeSecret:  handshakeSecret,
	})
	if err := wf.Resume(ctx, resumeStrategy(boot.ResumeStrategy)); err != nil {
		log.Printf("donkeylabsd: workflow resume: %v", err)
	}

	srv := &http.Server{
		Addr: data.HTTPAddr,
		Handler: httpapi.New(httpapi.Deps{
			Bus:       bus,
			Jobs:      jq,
			Processes: sup,
			Workflows: wf,
			Logs:      logs,
			Config:    cfg,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("donkeylabsd: listening on %s", data.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("donkeylabsd: http: %v", err)
		}
	}()

	<-sigCh
	log.Println("donkeylabsd: shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("donkeylabsd: http shutdown: %v", err)
	}
	wf.Wait()
}

func openStore(ctx context.Context, boot bootConfig) (store.Store, error) {
	switch boot.Backend {
	case "postgres":
		return postgres.Open(ctx, boot.DBDSN)
	case "sqlite", "":
		return sqlite.Open(ctx, boot.DBDSN)
	default:
		return nil, fmt.Errorf("unknown DONKEYLABS_BACKEND %q", boot.Backend)
	}
}

func retentionPolicy(byDays map[string]int) logsvc.RetentionPolicy {
	p := make(logsvc.RetentionPolicy, len(byDays))
	for source, days := range byDays {
		p[logsvc.Source(source)] = days
	}
	return p
}

func resumeStrategy(s string) workflows.ResumeStrategy {
	switch s {
	case "skip":
		return workflows.ResumeSkip
	case "blocking":
		return workflows.ResumeBlocking
	default:
		return workflows.ResumeBackground
	}
}
