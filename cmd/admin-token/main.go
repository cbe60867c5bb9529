package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/m-cnan/thankan.ayyo/internal/auth"
	"github.com/m-cnan/thankan.ayyo/internal/config"
)

var (
	subject string
	roles   string
	ttl     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint an admin JWT for the gateway admin endpoints",
	Long: `admin-token signs a token with ADMIN_JWT_SECRET (read from the environment
or .env). Viewer tokens can read /admin/pool and /admin/ledger; admin tokens can
also de-escalate the pool.`,
	Args: cobra.NoArgs,
	RunE: mintToken,
}

func init() {
	rootCmd.Flags().StringVar(&subject, "subject", "", "operator name recorded in the token")
	rootCmd.Flags().StringVar(&roles, "roles", "viewer", "comma separated roles: admin, viewer")
	rootCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = rootCmd.MarkFlagRequired("subject")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mintToken(cmd *cobra.Command, args []string) error {
	parsed := auth.ParseRoles(roles)
	if len(parsed) == 0 {
		return errors.New("at least one role is required")
	}
	for _, r := range parsed {
		if !r.IsValid() {
			return fmt.Errorf("unknown role %q", r)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(cfg.AdminJWTSecret) == 0 {
		return errors.New("ADMIN_JWT_SECRET must be set")
	}

	token, expiresAt, err := auth.GenerateAdminJWT(cfg.AdminJWTSecret, subject, parsed, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Token for %s with roles %v, expires %s\n", subject, auth.RoleStrings(parsed), expiresAt.Format(time.RFC3339))
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
