package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"visionguard/internal/api"
	"visionguard/internal/auth"
	"visionguard/internal/config"
	"visionguard/internal/database"
	"visionguard/internal/detection"
	"visionguard/internal/logging"
	"visionguard/internal/monitoring"
	"visionguard/internal/notify"
	"visionguard/internal/supervisor"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("VISIONGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "visionguard",
		Short:         "Real-time video security monitoring",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML config file (built-in defaults when empty)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().Bool("dev", false, "human readable development logging")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("dev", root.PersistentFlags().Lookup("dev"))

	root.AddCommand(
		newServeCmd(v),
		newTokenCmd(v),
		newHashPasswordCmd(),
		newTelegramTestCmd(v),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	root.AddCommand(newClientCmds()...)
	return root
}

// loadConfig reads the config file and applies flag and environment
// overrides
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if v.GetBool("dev") {
		cfg.Log.Development = true
	}
	if listen := v.GetString("listen"); listen != "" {
		host, port, err := net.SplitHostPort(listen)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", listen, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid listen port %q: %w", port, err)
		}
		cfg.Server.Host, cfg.Server.Port = host, p
	}
	if v.IsSet("db") {
		cfg.Database.Path = v.GetString("db")
	}
	if secret := v.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if token := v.GetString("telegram-token"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring pipeline and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().String("listen", "", "listen address host:port (overrides server.host/port)")
	cmd.Flags().String("db", "", "SQLite database path, empty disables recording")
	_ = v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("db", cmd.Flags().Lookup("db"))
	_ = v.BindEnv("jwt-secret")
	_ = v.BindEnv("telegram-token")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting visionguard", zap.String("version", version), zap.Int("sources", len(cfg.Sources)))

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	analyzer, analyzers, err := detection.Build(cfg.Analyzers, logger)
	if err != nil {
		return fmt.Errorf("failed to build analyzers: %w", err)
	}
	defer func() {
		if err := analyzers.Close(); err != nil {
			logger.Warn("Failed to close analyzers", zap.Error(err))
		}
	}()

	var sinks []monitoring.AlertSink
	bot := notify.NewTelegramBot(cfg.Telegram, logger)
	if bot.IsEnabled() {
		sinks = append(sinks, bot)
	}

	opts := supervisor.Options{
		Sources:           cfg.Sources,
		Analyzer:          analyzer,
		QueueCapacity:     cfg.Pipeline.QueueCapacity,
		Workers:           cfg.Pipeline.Workers,
		JobTimeout:        cfg.Pipeline.JobTimeout,
		StoreCapacity:     cfg.Store.Capacity,
		Retention:         cfg.Store.Retention,
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
		StatusInterval:    cfg.WebSocket.StatusInterval,
		StreamMaxFPS:      cfg.Stream.MaxFPS,
		AlertSinks:        sinks,
	}

	var apiOpts []api.Option
	if cfg.Database.Path != "" {
		db, err := database.New(cfg.Database.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		opts.Recorder = db
		apiOpts = append(apiOpts, api.WithArchive(db))
	}

	sup, err := supervisor.New(opts, logger)
	if err != nil {
		if opts.Recorder != nil {
			_ = opts.Recorder.Close()
		}
		return err
	}
	if err := sup.Start(ctx); err != nil {
		_ = sup.Stop(context.Background())
		return err
	}

	apiOpts = append(apiOpts, api.WithVersion(version))
	server := api.New(sup, authenticator, logger, apiOpts...)

	var wg sync.WaitGroup
	errc := make(chan error, 1)
	handleHTTPServer(ctx, cfg.Server, server, authenticator, &wg, errc, logger)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err := <-errc:
		runErr = err
		logger.Error("HTTP server failed", zap.Error(err))
		stop()
	}

	wg.Wait()
	stopCtx := context.WithoutCancel(ctx)
	if err := sup.Stop(stopCtx); err != nil {
		logger.Warn("Supervisor stop", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	bot.Wait()
	logger.Info("Exited")
	return runErr
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "token <username>",
		Short: "Issue an API token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret must be set for tokens to outlive this command")
			}
			a, err := auth.NewAuthenticator(cfg.Auth)
			if err != nil {
				return err
			}
			token, expiresAt, err := a.IssueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash usable as auth.password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newTelegramTestCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "telegram-test",
		Short: "Send a test message through the configured Telegram bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if !cfg.Telegram.Enabled {
				return errors.New("telegram is not enabled in the configuration")
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			bot := notify.NewTelegramBot(cfg.Telegram, logger)
			if err := bot.SendTestMessage(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test message sent")
			return nil
		},
	}
}
