package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/memohai/chatbridge/internal/config"
	"github.com/memohai/chatbridge/internal/logger"
	"github.com/memohai/chatbridge/internal/session"
)

var outputFormat string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and close bridge sessions",
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionManager(cmd.Context(), func(m *session.Manager) error {
			s, err := m.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeSessions(cmd.OutOrStdout(), outputFormat, []session.Session{s})
		})
	},
}

var sessionsChainCmd = &cobra.Command{
	Use:   "chain <session-id>",
	Short: "Show every session linked to a session, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionManager(cmd.Context(), func(m *session.Manager) error {
			chain, err := m.Chain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeSessions(cmd.OutOrStdout(), outputFormat, chain)
		})
	},
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session so the next customer message starts a new chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionManager(cmd.Context(), func(m *session.Manager) error {
			s, err := m.Close(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeSessions(cmd.OutOrStdout(), outputFormat, []session.Session{s})
		})
	},
}

func init() {
	sessionsCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	sessionsCmd.AddCommand(sessionsShowCmd, sessionsChainCmd, sessionsCloseCmd)
}

func withSessionManager(ctx context.Context, fn func(*session.Manager) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(io.Discard, cfg.Log.Level, cfg.Log.Format)
	store, cleanup, err := openSessionStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(session.NewManager(log, store, nil, nil, nil, nil))
}

func writeSessions(w io.Writer, format string, items []session.Session) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(items)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCHANNEL\tVENDOR\tPREVIOUS\tNEXT\tCREATED\tCLOSED")
		for _, s := range items {
			closed := "-"
			if s.ClosedAt != nil {
				closed = s.ClosedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Channel, s.VendorID, s.PreviousID, s.NextID, s.CreatedAt.Format(time.RFC3339), closed)
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown output format %q", format)
}
