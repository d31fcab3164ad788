/*
Fazt - sovereign-compute hosting kernel.

Usage:

	faztd [flags]
	faztd version
	faztd config dump [flags]
	faztd config validate [flags]
	faztd migrate [flags]
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/valyala/tcplisten"

	"github.com/fazt-sh/fazt/internal/adminapi"
	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/egress"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/hub"
	"github.com/fazt-sh/fazt/internal/jsruntime"
	"github.com/fazt-sh/fazt/internal/logbuf"
	"github.com/fazt-sh/fazt/internal/logging"
	"github.com/fazt-sh/fazt/internal/secrets"
	"github.com/fazt-sh/fazt/internal/server"
	"github.com/fazt-sh/fazt/internal/store"
	"github.com/fazt-sh/fazt/internal/version"
	"github.com/fazt-sh/fazt/internal/writequeue"
)

var (
	// CLI flags — these override config file values when explicitly set.
	flagAddr       string
	flagDomain     string
	flagLogDir     string
	flagVerbose    bool
	flagDataDir    string
	flagConfigPath string

	flagAdminUser     string
	flagAdminPassHash string
)

var rootCmd = &cobra.Command{
	Use:   "faztd",
	Short: "Fazt - sovereign-compute hosting kernel",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Open the store and ensure its schema is current, then exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: fazt.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for fazt.db")

	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&flagDomain, "domain", "", "base domain that sites are subdomains of")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")
	rootCmd.Flags().StringVar(&flagAdminUser, "admin-user", "", "admin login username")
	rootCmd.Flags().StringVar(&flagAdminPassHash, "admin-pass-hash", "", "bcrypt hash of the admin login password")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Build CLI overrides — only include flags that were explicitly set.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("addr") {
		overrides.Addr = &flagAddr
	}
	if cmd.Flags().Changed("domain") {
		overrides.Domain = &flagDomain
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	if cmd.Flags().Changed("admin-user") {
		overrides.AdminUser = &flagAdminUser
	}
	if cmd.Flags().Changed("admin-pass-hash") {
		overrides.AdminPassHash = &flagAdminPassHash
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// kernel holds every subsystem wired together by the initX helpers, so
// runServers and its shutdown sequencing can reach all of them without a
// long parameter list.
// ---------------------------------------------------------------------------

type kernel struct {
	db      *store.DB
	queue   *writequeue.Queue
	hubs    *hub.Manager
	handler http.Handler
}

// ---------------------------------------------------------------------------
// runServer — main entry point, orchestrates subsystem initialization.
// ---------------------------------------------------------------------------

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logBuf, logResult := initLogging(&cfg)
	defer logResult.Cleanup()
	logger := logResult.Logger

	k, err := initKernel(&cfg, logBuf, logger)
	if err != nil {
		return err
	}
	defer k.queue.Stop()
	defer k.db.Close() //nolint:errcheck // best-effort on shutdown

	return runServers(&cfg, k, logger)
}

// initLogging creates the log buffer and configures structured logging.
func initLogging(cfg *config.Config) (*logbuf.Buffer, logging.Result) {
	logBuf := logbuf.New(1000)

	logResult := logging.Setup(logging.Config{
		LogDir:        cfg.LogDir,
		Verbose:       cfg.Verbose,
		ExtraHandlers: []slog.Handler{logBuf.Handler()},
	})

	return logBuf, logResult
}

// initKernel opens the store and wires every subsystem together in
// dependency order: storage, then the single-writer queue and hub
// manager that sit on top of it, then the egress proxy and JS runtime
// that depend on those, then the admin API and top-level dispatcher
// that depend on everything else.
func initKernel(cfg *config.Config, logBuf *logbuf.Buffer, logger *slog.Logger) (*kernel, error) {
	dbPath := filepath.Join(cfg.DataDir, "fazt.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	vfs := hosting.NewVFS(db)
	apps := hosting.NewManager(db, vfs)
	if err := apps.EnsureSystemSites(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed system sites: %w", err)
	}
	aliases := hosting.NewAliasResolver(db)
	static := hosting.NewStaticHandler(vfs, apps, nil, nil)

	queue := writequeue.New(db, cfg.WriteQueue, logger)
	hubs := hub.NewManager(cfg.Hub, logger)

	sec, err := secrets.New(db, cfg.Secrets.MasterKeyHex)
	if err != nil {
		_ = db.Close()
		queue.Stop()
		return nil, fmt.Errorf("secrets: %w", err)
	}

	allowlist := egress.NewAllowlist(db, cfg.Egress.AllowlistRefresh.Duration)
	proxy := egress.NewProxy(cfg.Egress, allowlist)

	runtime := jsruntime.New(cfg.JSRuntime, db, queue, hubs, proxy, sec, logger)

	admin := adminapi.NewServer(cfg.Admin, adminapi.Deps{
		DB:      db,
		Apps:    apps,
		VFS:     vfs,
		Aliases: aliases,
		Secrets: sec,
		Queue:   queue,
		Hubs:    hubs,
		Logs:    logBuf,
		Logger:  logger,
	})

	handler := server.New(*cfg, server.Deps{
		Apps:    apps,
		Aliases: aliases,
		VFS:     vfs,
		Static:  static,
		Hubs:    hubs,
		Runtime: runtime,
		Admin:   admin,
		Logger:  logger,
	})

	return &kernel{db: db, queue: queue, hubs: hubs, handler: handler}, nil
}

// listen opens the TCP listener the HTTP server accepts connections on.
// With Listener.ReusePort set it uses tcplisten's SO_REUSEPORT listener
// builder, allowing multiple faztd processes to share one port during a
// rolling restart; otherwise it falls back to a plain net.Listen.
func listen(cfg *config.Config) (net.Listener, error) {
	if cfg.Listener.ReusePort {
		lc := tcplisten.Config{
			ReusePort:   true,
			DeferAccept: true,
			FastOpen:    true,
		}
		return lc.NewListener("tcp4", cfg.Listen)
	}
	return net.Listen("tcp", cfg.Listen)
}

// runServers starts the HTTP server, waits for a shutdown signal, then
// performs ordered graceful shutdown: stop accepting new requests, then
// drain the write queue so in-flight storage jobs finish committing.
func runServers(cfg *config.Config, k *kernel, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := listen(cfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           k.handler,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
	}

	go func() {
		logger.Info("faztd starting",
			"version", version.Full(),
			"addr", cfg.Listen,
			"domain", cfg.Domain,
			"log_dir", cfg.LogDir,
			"verbose", cfg.Verbose,
			"reuse_port", cfg.Listener.ReusePort,
		)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("faztd stopped")
	return nil
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	redacted := cfg.Redacted()
	out, err := redacted.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.DataDir, "fazt.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close() //nolint:errcheck // best-effort on shutdown

	fmt.Printf("store: schema current at %s\n", dbPath)
	return nil
}
