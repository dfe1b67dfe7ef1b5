package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/darwin"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if v := os.Getenv("DARWIN_LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelInfo
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "darwin",
		Short:         "Darwin agent-pool lifecycle server",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Bare `darwin` serves, matching the container entrypoint.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logger)
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, the assignment queue and the evaluation loop",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), logger)
			},
		},
		newEvaluateCommand(logger),
		newSweepCommand(logger),
		newMigrateCommand(logger),
		newTokenCommand(logger),
		newKeygenCommand(),
		newVersionCommand(),
	)
	return root
}

func serve(ctx context.Context, logger *slog.Logger) error {
	app, err := darwin.New(darwin.WithLogger(logger), darwin.WithVersion(version))
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// withApp builds an App for a one-shot command and releases it afterwards.
func withApp(ctx context.Context, logger *slog.Logger, fn func(*darwin.App) error) error {
	app, err := darwin.New(darwin.WithLogger(logger), darwin.WithVersion(version))
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))
	return fn(app)
}

func newEvaluateCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run one evaluation cycle now and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), logger, func(app *darwin.App) error {
				summary, err := app.RunCycle(cmd.Context())
				if err != nil {
					return fmt.Errorf("evaluate: %w", err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			})
		},
	}
}

func newSweepCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Retry assignment of every open work item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), logger, func(app *darwin.App) error {
				n, err := app.Sweep(cmd.Context())
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "assigned %d work item(s)\n", n)
				return err
			})
		},
	}
}

func newMigrateCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply registry and queue migrations, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// New applies migrations before wiring anything else.
			return withApp(cmd.Context(), logger, func(*darwin.App) error {
				logger.Info("migrations applied")
				return nil
			})
		},
	}
}

func newTokenCommand(logger *slog.Logger) *cobra.Command {
	var (
		principal string
		role      string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a service principal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), logger, func(app *darwin.App) error {
				if app.EphemeralKeys() {
					return fmt.Errorf("token: DARWIN_JWT_PRIVATE_KEY and DARWIN_JWT_PUBLIC_KEY must be set; an ephemeral key would sign a token no server accepts")
				}
				tok, exp, err := app.IssueToken(principal, darwin.Role(role), ttl)
				if err != nil {
					return fmt.Errorf("token: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", tok, exp.Format(time.RFC3339))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "service identity recorded as the audit actor")
	cmd.Flags().StringVar(&role, "role", string(darwin.RoleReader), "admin, spawner, tracker, reporter or reader")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default DARWIN_JWT_EXPIRATION)")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}

// newKeygenCommand writes the Ed25519 key pair the server signs tokens with.
// Without persistent keys the server generates a fresh pair on every start
// and every issued token dies with the process.
func newKeygenCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for token signing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath := filepath.Join(dir, "jwt_private.pem")
			pubPath := filepath.Join(dir, "jwt_public.pem")
			if err := writeKeyPair(dir, privPath, pubPath); err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(),
				"DARWIN_JWT_PRIVATE_KEY=%s\nDARWIN_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory for jwt_private.pem and jwt_public.pem")
	return cmd
}

func writeKeyPair(dir, privPath, pubPath string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// Refuse to overwrite: rotating keys invalidates every live token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	return writePEM(pubPath, "PUBLIC KEY", pubDER)
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path from flag
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "darwin %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
