package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/chatbridge/internal/auth"
	"github.com/memohai/chatbridge/internal/config"
)

var tokenTTL string

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint an operator token for the session API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
			return fmt.Errorf("auth.jwt_secret is not configured")
		}
		raw := tokenTTL
		if raw == "" {
			raw = cfg.Auth.JWTExpiresIn
		}
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid token ttl %q: %w", raw, err)
		}
		signed, expiresAt, err := auth.GenerateToken(args[0], cfg.Auth.JWTSecret, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenTTL, "ttl", "", "token lifetime (default auth.jwt_expires_in)")
}
