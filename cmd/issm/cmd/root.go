package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/issm/issm/internal/app"
	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/authz"
	"github.com/issm/issm/internal/config"
	"github.com/issm/issm/internal/ctxkeys"
	"github.com/issm/issm/internal/identity"
	"github.com/issm/issm/internal/logger"
)

const tokenEnv = "ISSM_TOKEN"

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "issm",
		Short:         "Manage imaging cases and their segmentation reviews",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger.Init(logger.Options{
				Development: cfg.IsDevelopment(),
				AppName:     cfg.AppName,
				SentryDSN:   cfg.SentryDSN,
			})
			cmd.SetContext(ctxkeys.WithConfig(cmd.Context(), cfg))
			return nil
		},
	}

	root.PersistentFlags().String("token", "", "identity token of the caller (default $"+tokenEnv+")")

	root.AddCommand(migrateCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(projectCmd())
	root.AddCommand(imageCmd())
	root.AddCommand(modelCmd())
	root.AddCommand(caseCmd())
	return root
}

// session is what a command body works with: the wired application and
// the writer for command output.
type session struct {
	*app.App
	out io.Writer
}

// runFunc is a command body running with a resolved caller in ctx
type runFunc func(ctx context.Context, s *session, args []string) error

// withApp builds the application, resolves the caller from the token and
// stores it in the context handed to fn.
func withApp(fn runFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg := ctxkeys.Config(cmd.Context())
		if cfg == nil {
			return errors.New("configuration not loaded")
		}

		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer func() {
			closeErr := a.Close()
			if closeErr != nil {
				slog.Error("failed to close app", "error", closeErr)
			}
		}()

		p, err := resolvePrincipal(cmd, a.Identity)
		if err != nil {
			return err
		}

		return fn(ctxkeys.WithPrincipal(cmd.Context(), p), &session{App: a, out: cmd.OutOrStdout()}, args)
	}
}

func resolvePrincipal(cmd *cobra.Command, issuer *identity.Issuer) (authz.Principal, error) {
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	if token == "" {
		return authz.Principal{}, apperr.New(apperr.ErrPermissionDenied, "no identity token, pass --token or set %s", tokenEnv)
	}

	p, err := issuer.Verify(strings.TrimSpace(token))
	if err != nil {
		return authz.Principal{}, apperr.Wrap(apperr.ErrPermissionDenied, err, "identity token rejected")
	}
	return p, nil
}

// caller returns the principal withApp stored in ctx
func caller(ctx context.Context) authz.Principal {
	p, _ := ctxkeys.Principal(ctx)
	return p
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Describe renders err for the terminal with its kind in front.
func Describe(err error) string {
	kind := apperr.KindOf(err)
	if kind == nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("error: %s: %s", kind, err)
}

// ExitCode maps error kinds to process exit codes.
func ExitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.ErrValidation, apperr.ErrInvalidVolume, apperr.ErrDimensionMismatch, apperr.ErrDuplicateArtifact:
		return 2
	case apperr.ErrNotFound, apperr.ErrArtifactMissing:
		return 3
	case apperr.ErrPermissionDenied:
		return 4
	case apperr.ErrInvalidStateTransition, apperr.ErrStateConflict:
		return 5
	}
	return 1
}
