package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/config"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/reconcile"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/server"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldinspect-agent",
		Short: "Offline-first vehicle inspection agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cmd)
		},
	}
	rootCmd.AddCommand(syncCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Runtime environment (production, development)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Identity token signing secret (overrides env)")
	cmd.PersistentFlags().String("remote-driver", defaults.GetString("remote.driver"), "Remote document driver (firestore, memory)")
	cmd.PersistentFlags().String("blob-driver", defaults.GetString("blob.driver"), "Photo storage driver (firebase, s3, memory)")
	cmd.PersistentFlags().String("blob-bucket", defaults.GetString("blob.bucket"), "Photo storage bucket")
	cmd.PersistentFlags().String("firebase-project", defaults.GetString("firebase.project_id"), "Firebase project ID")
	cmd.PersistentFlags().Duration("sync-debounce", defaults.GetDuration("sync.debounce"), "Delay after reconnect before a sync pass")
	cmd.PersistentFlags().Bool("online", defaults.GetBool("connectivity.initial_online"), "Assume the device starts online")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "identity.signing_secret", "signing-secret")
	bindFlag(cmd, "remote.driver", "remote-driver")
	bindFlag(cmd, "blob.driver", "blob-driver")
	bindFlag(cmd, "blob.bucket", "blob-bucket")
	bindFlag(cmd, "firebase.project_id", "firebase-project")
	bindFlag(cmd, "sync.debounce", "sync-debounce")
	bindFlag(cmd, "connectivity.initial_online", "online")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := newAgent(signalCtx, appConfig)
	if err != nil {
		return err
	}
	defer agent.Close()
	logger := agent.logger

	events := server.NewEventDispatcher()
	go events.ForwardConnectivity(signalCtx, agent.signal)

	watcher, err := reconcile.NewWatcher(reconcile.WatcherConfig{
		Runner:   publishingRunner{runner: agent.engine, events: events},
		Signal:   agent.signal,
		Users:    agent.users,
		Debounce: appConfig.SyncDebounce,
		Logger:   logger,
		Metrics:  agent.metrics,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := watcher.Run(signalCtx); err != nil {
			logger.Error("sync watcher stopped", zap.Error(err))
		}
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       agent.validator,
		Users:          agent.users,
		Submissions:    agent.coordinator,
		Reconciler:     agent.engine,
		Views:          agent.views,
		Connectivity:   agent.signal,
		Events:         events,
		MetricsHandler: promhttp.HandlerFor(agent.registry, promhttp.HandlerOpts{}),
		Development:    appConfig.Development(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("environment", appConfig.Environment),
			zap.Bool("online", agent.signal.Online()),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSync(ctx context.Context, cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := newAgent(signalCtx, appConfig)
	if err != nil {
		return err
	}
	defer agent.Close()

	result, err := agent.engine.Run(signalCtx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if result.Offline {
		fmt.Fprintln(out, "offline: no records synced")
		return nil
	}
	fmt.Fprintf(out, "attempted=%d succeeded=%d remaining=%d\n", result.Attempted, result.Succeeded, result.Remaining())
	for _, failure := range result.Failures {
		fmt.Fprintf(out, "  %s: %v\n", failure.LocalID, failure.Err)
	}
	if len(result.Failures) > 0 {
		return fmt.Errorf("%d records remain pending", len(result.Failures))
	}
	return nil
}

// publishingRunner announces every watcher-triggered pass on the event stream.
type publishingRunner struct {
	runner reconcile.Runner
	events *server.EventDispatcher
}

func (r publishingRunner) Run(ctx context.Context) (reconcile.BatchResult, error) {
	result, err := r.runner.Run(ctx)
	if err == nil {
		r.events.PublishSync(result)
	}
	return result, err
}
