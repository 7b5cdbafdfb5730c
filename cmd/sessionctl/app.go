package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentstate/internal/logger"
	tracing "github.com/aixgo-dev/agentstate/internal/observability"
	"github.com/aixgo-dev/agentstate/pkg/config"
	"github.com/aixgo-dev/agentstate/pkg/message"
	"github.com/aixgo-dev/agentstate/pkg/observability"
	"github.com/aixgo-dev/agentstate/pkg/session"
	"github.com/aixgo-dev/agentstate/pkg/session/firestore"
)

// Version information (set via ldflags)
var Version = "dev"

// App carries the resolved configuration and lazily opened stores for one
// command invocation.
type App struct {
	configPath  string
	storeKind   string
	dir         string
	messagesDir string
	logLevel    string

	cfg     *config.Config
	log     *log.Logger
	metrics *observability.Metrics

	sessions session.Store
	messages message.Store
	closers  []io.Closer
}

// NewApp creates an App with no stores opened.
func NewApp() *App {
	return &App{}
}

// CreateRootCommand builds the command tree.
func (app *App) CreateRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sessionctl",
		Short: "Inspect and maintain persisted agent sessions",
		Long: `sessionctl operates on agent session stores (memory, file, redis, firestore)
and the message logs that hold their conversation trees.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", os.Getenv("AGENTSTATE_CONFIG"), "Config file (YAML)")
	flags.StringVar(&app.storeKind, "store", "", "Session store: memory, file, redis, firestore")
	flags.StringVar(&app.dir, "dir", "", "Session directory for the file store")
	flags.StringVar(&app.messagesDir, "messages-dir", "", "Directory of .jsonl message logs")
	flags.StringVar(&app.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	app.addSessionCommands(rootCmd)
	app.addMessageCommands(rootCmd)
	app.addVerifyCommand(rootCmd)
	app.addServeCommand(rootCmd)
	app.addConfigCommands(rootCmd)

	return rootCmd
}

// setup loads config, applies flag overrides and initializes logging and
// tracing. Stores are opened on first use.
func (app *App) setup(ctx context.Context) error {
	cfg, err := config.LoadConfig(app.configPath)
	if err != nil {
		return err
	}
	if app.storeKind != "" {
		cfg.Store.Kind = app.storeKind
	}
	if app.dir != "" {
		cfg.Store.Dir = app.dir
	}
	if app.messagesDir != "" {
		cfg.Messages.Dir = app.messagesDir
	}
	if app.logLevel != "" {
		cfg.Log.Level = app.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	app.cfg = cfg

	out := io.Writer(os.Stderr)
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 - operator supplied log path
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		app.closers = append(app.closers, f)
		out = f
	}
	app.log = logger.New(logger.Options{
		Output:     out,
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Prefix:     "sessionctl",
		Timestamps: true,
	})

	if cfg.Observability.MetricsPort > 0 {
		app.metrics = observability.NewMetrics()
	}

	tc := cfg.Observability.Tracing
	if !tc.Enabled {
		return tracing.InitFromEnv(ctx, app.log)
	}
	return tracing.Init(ctx, tracing.Config{
		ServiceName:  tc.ServiceName,
		Enabled:      tc.Enabled,
		ExporterType: tc.Exporter,
		OTLPEndpoint: tc.Endpoint,
		OTLPHeaders:  tc.Headers,
	}, app.log)
}

// Run executes args against a fresh command tree and releases the stores
// afterwards, whether or not the command failed.
func (app *App) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := app.CreateRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if app.cfg != nil {
		if cerr := app.teardown(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (app *App) teardown(ctx context.Context) error {
	var firstErr error
	if app.messages != nil {
		firstErr = app.messages.Close()
	}
	if app.sessions != nil {
		if err := app.sessions.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range app.closers {
		_ = c.Close()
	}
	if err := tracing.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SessionStore opens the configured session store once.
func (app *App) SessionStore(ctx context.Context) (session.Store, error) {
	if app.sessions != nil {
		return app.sessions, nil
	}

	sc := app.cfg.Store
	var (
		store session.Store
		err   error
	)
	switch sc.Kind {
	case config.StoreMemory:
		store = session.NewMemoryStore()
	case config.StoreFile:
		store, err = session.NewFileStore(sc.Dir, session.WithFileLogger(app.log))
	case config.StoreRedis:
		store, err = session.NewRedisStore(ctx, sc.Redis)
	case config.StoreFirestore:
		store, err = firestore.New(ctx,
			firestore.WithProjectID(sc.Firestore.ProjectID),
			firestore.WithCredentialsFile(sc.Firestore.CredentialsFile),
			firestore.WithCollection(sc.Firestore.Collection),
		)
	default:
		err = fmt.Errorf("unknown store kind %q", sc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", sc.Kind, err)
	}

	app.log.Debug("session store opened", "backend", session.BackendName(store))
	app.sessions = observability.InstrumentStore(store, app.metrics)
	return app.sessions, nil
}

// MessageStore opens the configured message store once.
func (app *App) MessageStore() (message.Store, error) {
	if app.messages != nil {
		return app.messages, nil
	}

	mc := app.cfg.Messages
	var (
		store message.Store
		err   error
	)
	switch mc.Kind {
	case config.MessagesMemory:
		store = message.NewMemoryStore()
	case config.MessagesJSONL:
		dir := mc.Dir
		if dir == "" {
			dir, err = defaultMessagesDir()
			if err != nil {
				return nil, err
			}
		}
		store, err = message.NewJSONLStore(dir, message.WithJSONLLogger(app.log))
	default:
		err = fmt.Errorf("unknown messages kind %q", mc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s message store: %w", mc.Kind, err)
	}

	app.messages = store
	return store, nil
}

// Metrics returns the collectors for this invocation, creating them on first
// use. Stores opened before the first call are not instrumented.
func (app *App) Metrics() *observability.Metrics {
	if app.metrics == nil {
		app.metrics = observability.NewMetrics()
	}
	return app.metrics
}

// Runtime wraps the session store in a Runtime that logs lifecycle events
// and, when metrics are enabled, counts them.
func (app *App) Runtime(ctx context.Context, sinks ...session.EventSink) (*session.Runtime, error) {
	store, err := app.SessionStore(ctx)
	if err != nil {
		return nil, err
	}
	if app.metrics != nil {
		sinks = append(sinks, app.metrics)
	}
	return session.NewRuntime(session.NewRepository(store),
		session.WithRuntimeLogger(app.log),
		session.WithEventSink(sinks...),
	), nil
}

func defaultMessagesDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentstate", "messages"), nil
}
