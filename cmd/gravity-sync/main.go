package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "gravity-sync",
		Short:         "Offline-first sync client for Gravity Notes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newSyncCommand(),
		newRefreshCommand(),
		newStatusCommand(),
		newExportCommand(),
		newImportCommand(),
		newResolveCommand(),
		newTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.base_url"), "Gravity notes API base URL")
	cmd.PersistentFlags().String("remote-token", "", "Session token for the notes API (overrides env)")
	cmd.PersistentFlags().String("merge-strategy", defaults.GetString("sync.merge_strategy"), "Merge strategy for conflicts (server, lww)")
	cmd.PersistentFlags().String("signing-secret", "", "Local API signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "sync.merge_strategy", "merge-strategy")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// withApplication loads configuration, builds the application and runs fn against it.
func withApplication(ctx context.Context, console bool, fn func(ctx context.Context, app *application) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, console)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), false, runServer)
		},
	}
}

func runServer(ctx context.Context, app *application) error {
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Notes:          app.notes,
		Resolver:       app.resolver,
		Engine:         app.engine,
		Validator:      app.validator,
		Users:          app.users,
		Metrics:        app.metrics,
		Gatherer:       app.gatherer,
		AllowedOrigins: app.config.AllowedOrigins,
		Logger:         app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go app.monitor.Run(signalCtx, app.remote, app.config.ProbeInterval)

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- app.engine.Run(signalCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress), zap.String("owner_id", app.notes.OwnerID()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		<-engineDone
		return shutdownErr
	case err := <-errCh:
		stop()
		<-engineDone
		return err
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe the remote and drain the operation queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), true, func(ctx context.Context, app *application) error {
				app.monitor.Probe(ctx, app.remote)
				result, err := app.engine.Drain(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Pull the remote state into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), true, func(ctx context.Context, app *application) error {
				app.monitor.Probe(ctx, app.remote)
				result, err := app.notes.Refresh(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue depth and conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), true, func(ctx context.Context, app *application) error {
				status, err := app.engine.Status(ctx)
				if err != nil {
					return err
				}
				conflicted, err := app.resolver.ListConflicts(ctx, app.notes.OwnerID())
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(conflicted))
				for _, note := range conflicted {
					ids = append(ids, note.NoteID)
				}
				return writeJSON(cmd, map[string]any{"status": status, "conflicts": ids})
			})
		},
	}
}

func newExportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the owner's notes and workspaces as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), true, func(ctx context.Context, app *application) error {
				document, err := app.notes.Export(ctx)
				if err != nil {
					return err
				}
				encoded, err := json.MarshalIndent(document, "", "  ")
				if err != nil {
					return err
				}
				if outPath == "" {
					_, err = cmd.OutOrStdout().Write(append(encoded, '\n'))
					return err
				}
				if err := os.WriteFile(outPath, encoded, 0o600); err != nil {
					return err
				}
				app.logger.Info("export written", zap.String("path", outPath), zap.Int("notes", len(document.Notes)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Destination file (stdout when empty)")
	return cmd
}

func newImportCommand() *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an export document as new notes and workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inPath == "" {
				return errors.New("--in is required")
			}
			data, err := os.ReadFile(inPath)
			if err != nil {
				return err
			}
			document, err := notes.DecodeExport(data)
			if err != nil {
				return err
			}
			return withApplication(cmd.Context(), true, func(ctx context.Context, app *application) error {
				result, err := app.notes.Import(ctx, document)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Export document to import")
	return cmd
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <note-id> <local|server|merge>",
		Short: "Resolve a conflicted note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), true, func(ctx context.Context, app *application) error {
				outcome, err := app.resolver.Resolve(ctx, args[0], conflict.Resolution(args[1]))
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]any{
					"resolution": outcome.Resolution,
					"purged":     outcome.Purged,
					"noteId":     outcome.Note.NoteID,
				})
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), true, func(ctx context.Context, app *application) error {
				issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
					SigningSecret: []byte(app.config.AuthSigningSecret),
					TokenTTL:      ttl,
				})
				if err != nil {
					return fmt.Errorf("auth.signing_secret is required to issue tokens: %w", err)
				}
				token, expiresAt, err := issuer.IssueToken(ctx, auth.SessionClaims{UserID: app.notes.OwnerID()})
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]any{
					"access_token": token,
					"token_type":   "Bearer",
					"expires_at":   expiresAt,
				})
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
