package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentstate/internal/logger"
	"github.com/aixgo-dev/agentstate/pkg/message"
	"github.com/aixgo-dev/agentstate/pkg/session"
)

// unwrapper is implemented by store decorators.
type unwrapper interface {
	Unwrap() session.Store
}

// Verifier scans persisted sessions and message logs for unreadable data.
// File-backed stores are checked file by file so documents without a valid
// header are found too; other session stores are checked by loading every
// listed session.
type Verifier struct {
	Sessions    session.Store
	Messages    message.Store
	Concurrency int
	Logger      *log.Logger
}

// VerifyReport counts what a scan checked.
type VerifyReport struct {
	Sessions int
	Logs     int
}

// Run checks everything in parallel and returns the first integrity error.
// The remaining checks are cancelled once one fails.
func (v Verifier) Run(ctx context.Context) (VerifyReport, error) {
	l := logger.OrDefault(v.Logger)
	limit := v.Concurrency
	if limit <= 0 {
		limit = 4
	}

	var sessions, logs atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	if v.Sessions != nil {
		if err := v.scheduleSessions(ctx, g, &sessions); err != nil {
			return VerifyReport{}, err
		}
	}

	if js, ok := v.Messages.(*message.JSONLStore); ok {
		paths, err := js.Files()
		if err != nil {
			return VerifyReport{}, err
		}
		for _, p := range paths {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := js.Verify(ctx, p); err != nil {
					l.Error("message log failed verification", "path", p, "err", err)
					return err
				}
				logs.Add(1)
				return nil
			})
		}
	}

	err := g.Wait()
	return VerifyReport{Sessions: int(sessions.Load()), Logs: int(logs.Load())}, err
}

func (v Verifier) scheduleSessions(ctx context.Context, g *errgroup.Group, n *atomic.Int64) error {
	l := logger.OrDefault(v.Logger)

	store := v.Sessions
	for {
		u, ok := store.(unwrapper)
		if !ok {
			break
		}
		store = u.Unwrap()
	}

	if fs, ok := store.(*session.FileStore); ok {
		paths, err := fs.Files()
		if err != nil {
			return err
		}
		for _, p := range paths {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fs.VerifyFile(p); err != nil {
					l.Error("session file failed verification", "path", p, "err", err)
					return err
				}
				n.Add(1)
				return nil
			})
		}
		return nil
	}

	headers, err := v.Sessions.ListHeaders(ctx)
	if err != nil {
		return err
	}
	for _, h := range headers {
		g.Go(func() error {
			if _, err := v.Sessions.Load(ctx, h.SessionID); err != nil {
				l.Error("session failed verification", "session", h.SessionID, "err", err)
				return err
			}
			n.Add(1)
			return nil
		})
	}
	return nil
}

func (app *App) verifier(ctx context.Context, store session.Store) (Verifier, error) {
	msgs, err := app.MessageStore()
	if err != nil {
		return Verifier{}, err
	}
	if store == nil {
		if store, err = app.SessionStore(ctx); err != nil {
			return Verifier{}, err
		}
	}
	return Verifier{
		Sessions:    store,
		Messages:    msgs,
		Concurrency: app.cfg.Verify.Concurrency,
		Logger:      app.log,
	}, nil
}

func (app *App) addVerifyCommand(rootCmd *cobra.Command) {
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every persisted session and message log for corruption",
		Long: `Fully decode every session document and replay every message log.
Exits non-zero on the first unreadable file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := app.verifier(cmd.Context(), nil)
			if err != nil {
				return err
			}
			report, err := v.Run(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d sessions, %d message logs\n", report.Sessions, report.Logs)
			return err
		},
	}
	rootCmd.AddCommand(verifyCmd)
}
