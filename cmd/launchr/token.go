package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/launchr"
	"github.com/loykin/launchr/internal/auth"
)

// TokenFlags holds flags for the token command.
type TokenFlags struct {
	Subject string
	Roles   []string
	TTL     time.Duration
}

func createTokenCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwt_secret",
		Long: `Issue a bearer token for an actor. The subject becomes the actor name
and the roles are checked against auth.privileged_roles.

Examples:
  launchr token --config=launchr.toml --subject=ops --role=admin
  launchr token --subject=alice --ttl=1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(globalFlags.ConfigPath, *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Subject, "subject", "", "actor name (required)")
	cmd.Flags().StringSliceVar(&flags.Roles, "role", nil, "role to embed, repeatable")
	cmd.Flags().DurationVar(&flags.TTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
}

func runToken(path string, flags TokenFlags, out io.Writer) error {
	cfg, err := launchr.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	ttl := flags.TTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	tok, exp, err := tokens.Issue(flags.Subject, flags.Roles, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n# expires %s\n", tok, exp.UTC().Format(time.RFC3339))
	return err
}
