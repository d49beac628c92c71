// Command chat runs the conversation in the terminal.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/stupiduntilnot/rpgchat/internal/chat"
	"github.com/stupiduntilnot/rpgchat/internal/config"
	"github.com/stupiduntilnot/rpgchat/internal/control"
	"github.com/stupiduntilnot/rpgchat/internal/conversation"
	"github.com/stupiduntilnot/rpgchat/internal/db"
	"github.com/stupiduntilnot/rpgchat/internal/dummy"
	"github.com/stupiduntilnot/rpgchat/internal/logger"
	"github.com/stupiduntilnot/rpgchat/internal/metrics"
	modelpkg "github.com/stupiduntilnot/rpgchat/internal/model"
	"github.com/stupiduntilnot/rpgchat/internal/openai"
	"github.com/stupiduntilnot/rpgchat/internal/session"
	"github.com/stupiduntilnot/rpgchat/internal/tui"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML configuration file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := loadEnvFile(*envFile, flags.Changed("env-file")); err != nil {
		return err
	}

	cfg, err := config.LoadChatConfig(*configPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.OpenFile(cfg.LogFile, logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	a, err := newApp(cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := a.log.Subscribe()
	defer sub.Close()

	program := tea.NewProgram(tui.NewModel(ctx, a.orchestrator, sub.C()), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}

// loadEnvFile loads a dotenv file. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

type app struct {
	log          *conversation.Log
	orchestrator *chat.Orchestrator
	journal      *db.Journal
	logger       zerolog.Logger

	closers []io.Closer
}

// newApp wires the conversation core from cfg.
func newApp(cfg config.ChatConfig, log zerolog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{logger: log}

	provider, err := newModelProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init model provider: %w", err)
	}

	var recorder chat.Recorder
	if cfg.JournalPath != "" {
		journal, database, err := openJournal(cfg, log)
		if err != nil {
			return nil, err
		}
		a.journal = journal
		a.closers = append(a.closers, database)
		recorder = journal
	}

	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		a.closers = append(a.closers, serveMetrics(cfg.MetricsAddr, reg, log))
	}

	policy := control.Policy{
		RequestTimeout:   cfg.RequestTimeout,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitCooldown:  cfg.CircuitCooldown,
	}

	svc := session.NewService(provider, session.Config{
		Instructions:        cfg.Instructions,
		ContextWindowTokens: cfg.ContextWindowTokens,
	}, log)

	a.log = conversation.NewLog()
	a.orchestrator = chat.New(a.log, svc, chat.Options{
		Logger:              log,
		Journal:             recorder,
		Metrics:             m,
		Breaker:             policy.Breaker(),
		RequestTimeout:      policy.RequestTimeout,
		ResetSessionOnClear: cfg.ResetSessionOnClear,
	})

	log.Info().
		Str("provider", cfg.ModelProvider).
		Int("context_window_tokens", cfg.ContextWindowTokens).
		Bool("journal", cfg.JournalPath != "").
		Msg("chat started")
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openJournal(cfg config.ChatConfig, log zerolog.Logger) (*db.Journal, *sql.DB, error) {
	database, err := db.OpenDB(cfg.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to init schema: %w", err)
	}

	payload := map[string]any{
		"role":     "chat",
		"pid":      os.Getpid(),
		"provider": cfg.ModelProvider,
	}
	if cfg.ModelProvider == config.ProviderOpenAI {
		payload["model"] = cfg.OpenAIModel
	}
	var rootRef *int64
	rootID, err := db.LogEvent(database, nil, db.EventProcessStarted, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to log process.started")
	} else {
		rootRef = &rootID
	}
	return db.NewJournal(database, rootRef, log), database, nil
}

type metricsServer struct {
	srv *http.Server
}

func (s metricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) io.Closer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	return metricsServer{srv: srv}
}

func newModelProvider(cfg config.ChatConfig) (modelpkg.Provider, error) {
	switch cfg.ModelProvider {
	case config.ProviderOpenAI:
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIChatCompURL, cfg.OpenAIModel, cfg.RequestTimeout), nil
	case config.ProviderDummy:
		return dummy.NewProvider("dummy", cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unknown model provider: %s", cfg.ModelProvider)
	}
}
