package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/webmail/internal/audit"
	"github.com/fenilsonani/webmail/internal/auth"
	"github.com/fenilsonani/webmail/internal/config"
	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/docstore/feed"
	"github.com/fenilsonani/webmail/internal/docstore/memory"
	"github.com/fenilsonani/webmail/internal/docstore/sqlite"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/security"
	"github.com/fenilsonani/webmail/internal/setup"
	"github.com/fenilsonani/webmail/internal/web"
)

const version = "v0.1.0"

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "webmail",
	Short: "Webmail server with threaded conversations and live mailboxes",
	Long: `A webmail server supporting:
- Inbox, Sent and Starred folders with search, paging and selection
- Reply threads that keep every message's full ancestry
- Forwarding with quoted history
- Live mailbox updates over server-sent events`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

// backend is an open document store plus the SQLite handle shared with
// the audit log. db is nil for the memory driver.
type backend struct {
	docs docstore.Store
	db   *sql.DB
}

func (b *backend) Close() error {
	return b.docs.Close()
}

func openBackend(ctx context.Context, logger *logging.Logger) (*backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return &backend{docs: memory.New()}, nil
	default:
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		store, err := sqlite.Open(ctx, cfg.Storage.DatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return &backend{docs: store, db: store.DB().DB}, nil
	}
}

func newLogger() (*logging.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webmail server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		logger.Info("Webmail server starting", "hostname", cfg.Server.Hostname, "driver", cfg.Storage.Driver)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
		b, err := openBackend(startCtx, logger.Store())
		if err != nil {
			startCancel()
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				logger.ErrorContext(context.Background(), "Store close error", err)
			}
		}()

		auditLog, err := audit.NewLogger(startCtx, b.db)
		startCancel()
		if err != nil {
			return err
		}
		if auditLog == nil {
			logger.Warn("Audit log disabled: storage driver has no database")
		}

		if cfg.Feed.Enabled {
			f, err := feed.New(feed.Config{RedisURL: cfg.Feed.RedisURL, Prefix: cfg.Feed.Prefix}, b.docs.Hub(), logger.Feed())
			if err != nil {
				return fmt.Errorf("failed to connect change feed: %w", err)
			}
			if err := f.Start(ctx); err != nil {
				f.Close()
				return fmt.Errorf("failed to start change feed: %w", err)
			}
			defer f.Close()
			logger.Info("Change feed connected", "url", cfg.Feed.RedisURL, "node", f.NodeID())
		}

		tlsManager, err := security.NewTLSManager(cfg.TLS, cfg.Server.Hostname)
		if err != nil {
			return err
		}

		srv := web.NewServer(cfg, web.Deps{
			Docs:   b.docs,
			Auth:   auth.NewAuthenticator(b.docs),
			Audit:  auditLog,
			TLS:    tlsManager,
			Logger: logger,
		})
		go srv.RunJanitor(ctx, 15*time.Minute)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(cfg.ListenAddr())
		}()
		scheme := "http"
		if tlsManager.HasTLS() {
			scheme = "https"
		}
		fmt.Printf("Webmail listening on %s://%s\n", scheme, cfg.ListenAddr())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", "signal", sig.String())
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second))
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Server shutdown error", err)
		}
		logger.Info("Server stopped")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Storage.Driver == "memory" {
			fmt.Println("Memory storage has no migrations")
			return nil
		}
		b, err := openBackend(cmd.Context(), logging.Discard())
		if err != nil {
			return err
		}
		defer b.Close()

		if _, err := audit.NewLogger(cmd.Context(), b.db); err != nil {
			return err
		}
		fmt.Println("Migrations completed successfully")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.DefaultConfig().Write(path); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the health of a webmail deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		results := setup.RunDoctor(cmd.Context(), cfg)
		results.Print(os.Stdout)
		if !results.Healthy {
			return fmt.Errorf("%d checks failed", results.Failed)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("webmail " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userPasswdCmd)
	rootCmd.AddCommand(userCmd)

	mailListCmd.Flags().String("folder", "inbox", "folder to list (inbox, sent, starred)")
	mailListCmd.Flags().String("search", "", "filter by sender name, subject or body")
	mailListCmd.Flags().Int("page", 0, "zero-based page index")
	mailListCmd.Flags().Int("size", 0, "page size (default from config)")
	mailSendCmd.Flags().StringSlice("to", nil, "recipient addresses")
	mailSendCmd.Flags().String("subject", "", "message subject")
	mailSendCmd.Flags().String("body", "", "message body")
	mailSendCmd.MarkFlagRequired("to")
	mailCmd.AddCommand(mailListCmd)
	mailCmd.AddCommand(mailShowCmd)
	mailCmd.AddCommand(mailSendCmd)
	rootCmd.AddCommand(mailCmd)
}
