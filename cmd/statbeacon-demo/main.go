// Command statbeacon-demo is an example host process embedding the
// statbeacon telemetry client: it wires up the state file, an event bus,
// an optional submission journal, and one custom graph, then reports until
// interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/statbeacon/statbeacon/internal/config"
	"github.com/statbeacon/statbeacon/internal/journal"
	"github.com/statbeacon/statbeacon/internal/version"
	"github.com/statbeacon/statbeacon/pkg/events"
	"github.com/statbeacon/statbeacon/pkg/statefile"
	"github.com/statbeacon/statbeacon/pkg/telemetry"
)

// demoHost implements telemetry.HostInfo for the demo application.
type demoHost struct {
	sessions atomic.Int64
}

func (h *demoHost) Name() string          { return "StatbeaconDemo" }
func (h *demoHost) Version() string       { return version.Short() }
func (h *demoHost) ServerVersion() string { return "demo-1.0" }
func (h *demoHost) PlayersOnline() int    { return int(h.sessions.Load()) }
func (h *demoHost) OnlineMode() bool      { return true }

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("statbeacon demo starting", zap.Any("build", version.Map()))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	statePath := cfg.GetString("telemetry.state_file")
	if statePath == "" {
		statePath = "statbeacon.yml"
	}
	store, err := statefile.Open(statePath)
	if err != nil {
		logger.Fatal("failed to open state file", zap.Error(err))
	}

	bus := events.NewBus(logger)
	bus.SubscribeAll(func(_ context.Context, e events.Event) {
		logger.Debug("telemetry event", zap.String("topic", e.Topic))
	})
	bus.Subscribe(telemetry.TopicSubmitFailed, func(_ context.Context, e events.Event) {
		if rec, ok := e.Payload.(telemetry.SubmissionRecord); ok {
			logger.Warn("report delivery failed", zap.String("detail", rec.Detail))
		}
	})

	host := &demoHost{}

	opts := []telemetry.Option{
		telemetry.WithLogger(logger),
		telemetry.WithBus(bus),
	}
	if d := cfg.GetDuration("telemetry.interval"); d > 0 {
		opts = append(opts, telemetry.WithInterval(d))
	}

	var senderOpts []telemetry.SenderOption
	senderOpts = append(senderOpts, telemetry.WithSenderLogger(logger))
	if u := cfg.GetString("telemetry.base_url"); u != "" {
		senderOpts = append(senderOpts, telemetry.WithBaseURL(u))
	}
	if cfg.GetBool("telemetry.bypass_proxy") {
		senderOpts = append(senderOpts, telemetry.WithBypassProxy())
	}
	sender, err := telemetry.NewHTTPSender(host.Name(), senderOpts...)
	if err != nil {
		logger.Fatal("failed to build sender", zap.Error(err))
	}
	opts = append(opts, telemetry.WithSender(sender))

	// A journal is only worth the disk traffic when someone is debugging.
	state, err := store.Load()
	if err != nil {
		logger.Fatal("failed to load state", zap.Error(err))
	}
	var jnl *journal.Journal
	if state.Debug {
		jnlPath := cfg.GetString("telemetry.journal_file")
		if jnlPath == "" {
			jnlPath = "statbeacon-journal.db"
		}
		jnl, err = journal.Open(jnlPath)
		if err != nil {
			logger.Fatal("failed to open journal", zap.Error(err))
		}
		defer jnl.Close()
		opts = append(opts, telemetry.WithRecorder(jnl))
	}

	client, err := telemetry.New(host, store, opts...)
	if err != nil {
		logger.Fatal("failed to create telemetry client", zap.Error(err))
	}

	usage, err := client.CreateGraph("Usage")
	if err != nil {
		logger.Fatal("failed to create graph", zap.Error(err))
	}
	if err := usage.Add("Sessions", host.PlayersOnline); err != nil {
		logger.Fatal("failed to add plotter", zap.Error(err))
	}

	if !client.Start() {
		logger.Info("telemetry disabled by opt-out", zap.String("state_file", statePath))
	} else {
		logger.Info("telemetry reporting started", zap.String("state_file", statePath))
	}

	// Simulate session churn so the gauge has something to report.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			host.sessions.Add(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	client.Stop()
	logger.Info("statbeacon demo stopped")
}
