package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decisionflow/engine/internal/auth"
	"github.com/spf13/cobra"
)

var (
	tokenScopes []string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Issue a bearer token signed with auth.jwt_secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not set")
		}
		ttl := cfg.Auth.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		token, exp, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl).Issue(args[0], tokenScopes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintln(cmd.ErrOrStderr(), labelStyle.Render("expires "+exp.Format(time.RFC3339)))
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key-id]",
	Short: "Generate an API key and the hash to put under auth.api_keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, hash, err := auth.GenerateAPIKey(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render("key:  ")+key)
		fmt.Fprintf(out, "%s\n  api_keys:\n    %s: %q\n", labelStyle.Render("config:"), args[0], hash)
		fmt.Fprintln(cmd.ErrOrStderr(), labelStyle.Render("the key is shown once; only the hash is stored"))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "scopes to grant (default: "+strings.Join(auth.DefaultScopes, ",")+")")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
}
