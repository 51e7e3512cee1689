package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/issm/issm/internal/authz"
	"github.com/issm/issm/internal/ctxkeys"
	"github.com/issm/issm/internal/identity"
)

// tokenCmd mints identity tokens. Anyone holding JWT_SECRET can do this, so
// it stands in for the external identity provider on operator machines.
func tokenCmd() *cobra.Command {
	var (
		userID         string
		technicalAdmin bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an identity token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctxkeys.Config(cmd.Context())
			if cfg == nil {
				return errors.New("configuration not loaded")
			}

			token, err := identity.NewIssuer(cfg.JWTSecret, cfg.JWTExpiry).Issue(authz.Principal{
				UserID:         userID,
				TechnicalAdmin: technicalAdmin,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id the token identifies")
	cmd.Flags().BoolVar(&technicalAdmin, "technical-admin", false, "grant the global technical admin flag")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
