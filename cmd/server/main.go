package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/HyphaGroup/portcullis/internal/api"
	"github.com/HyphaGroup/portcullis/internal/audit"
	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/cleanup"
	"github.com/HyphaGroup/portcullis/internal/codex"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/session"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "user":
			cmdUser(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("portcullis %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run the gateway
	runServer()
}

func printUsage() {
	fmt.Printf(`Portcullis %s - HTTP Gateway for Codex

Usage: portcullis [command] [options]

Commands:
  (default)    Start the gateway server
  init         Write a starter config file
  user         Manage the user directory (add, list, remove, info)

Server Options:
  --config <dir>     Directory containing portcullis.jsonc
  --host <addr>      Listen host (overrides config)
  --port <n>         Listen port (overrides config)
  --daemon           Start server in background and exit when ready

Config Precedence (for server):
  1. --config flag
  2. PORTCULLIS_CONFIG env var
  3. ./config/portcullis.jsonc
  4. ~/.portcullis/config/portcullis.jsonc

A missing config file is fine: the server runs from defaults plus
OPENAI_API_KEY / CODEX_BINARY_PATH / CODEX_WORKING_DIR.

Examples:
  portcullis                                 Start with auto-detected config
  portcullis --port 9000                     Override the listen port
  portcullis --daemon                        Start in background
  portcullis init                            Set up ~/.portcullis
  portcullis user add --subject 7f3a... --id alice
  portcullis user list
`, Version)
}

func runServer() {
	// Parse command-line flags
	showVersion := flag.Bool("version", false, "Print version and exit")
	configFlag := flag.String("config", "", "Directory containing portcullis.jsonc")
	hostFlag := flag.String("host", "", "Listen host (overrides config)")
	portFlag := flag.Int("port", 0, "Listen port (overrides config)")
	daemonFlag := flag.Bool("daemon", false, "Run in background and exit after server is ready")
	flag.Parse()

	if *showVersion {
		fmt.Printf("portcullis %s\n", Version)
		os.Exit(0)
	}

	// Daemon mode: re-exec in background and wait for health check
	if *daemonFlag {
		runDaemon(*configFlag)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *hostFlag != "" {
		cfg.Server.Host = *hostFlag
	}
	if *portFlag != 0 {
		cfg.Server.Port = *portFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize loggers
	if err := logger.Init(cfg.Logging.Dir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	if err := logger.InitSlog(cfg.Logging.Dir, cfg.Logging.JSON, cfg.Logging.Level); err != nil {
		log.Fatalf("Failed to initialize structured logger: %v", err)
	}

	logger.Println("🏰 Portcullis - HTTP Gateway for Codex")
	logger.Println("")

	// Ensure the data directory exists; per-user subdirectories are
	// created as sessions spawn.
	if err := os.MkdirAll(cfg.Sessions.BaseDataDir, 0o755); err != nil {
		logger.Fatalf("Failed to create data directory: %v", err)
	}

	// Codex availability is surfaced by /status, so a missing binary or
	// key only warns here.
	if binary, err := cfg.ResolveBinary(); err != nil {
		logger.Printf("⚠️  WARNING: %v", err)
		logger.Println("   Chat requests will fail until codex is installed")
	} else {
		logger.Printf("🤖 Codex binary: %s", binary)
	}
	if cfg.Codex.APIKey == "" {
		logger.Println("⚠️  WARNING: No API key configured (codex.api_key or OPENAI_API_KEY)")
	}
	logger.Printf("📁 Data directory: %s", cfg.Sessions.BaseDataDir)
	logger.Printf("👥 Session capacity: %d (idle timeout %s)",
		cfg.Sessions.MaxSessions, cfg.Sessions.IdleTimeout())

	// Identity wiring
	var (
		introspector auth.TokenIntrospector
		users        auth.IdentityStore
		userStore    *auth.UserStore
	)
	if cfg.Security.Method == config.SecurityKeycloak {
		kc := &cfg.Security.Keycloak
		introspector = auth.NewIntrospector(kc.IntrospectionURL(), kc.ClientID, kc.ClientSecret)
		userStore, err = auth.NewUserStore(cfg.Security.UserDBPath)
		if err != nil {
			logger.Fatalf("Failed to open user directory: %v", err)
		}
		users = userStore
		logger.Printf("🔐 Identity: keycloak realm %q", kc.Realm)
		logger.Printf("🗂️  User directory: %s", cfg.Security.UserDBPath)
	} else {
		logger.Println("🔓 Identity: none")
	}
	if cfg.Security.RateLimit.RequestsPerSecond > 0 {
		logger.Printf("🚦 Rate limit: %.2g req/s (burst %d) per user",
			cfg.Security.RateLimit.RequestsPerSecond, cfg.Security.RateLimit.Burst)
	}
	authenticator := auth.NewAuthenticator(&cfg.Security, introspector, users)

	// Session manager over codex children
	spawn := func(ctx context.Context, userID string) (session.Client, error) {
		binary, err := cfg.ResolveBinary()
		if err != nil {
			return nil, err
		}
		client, err := codex.Spawn(ctx, codex.SpawnOptions{
			Binary:     binary,
			DataDir:    cfg.UserDataDir(userID),
			WorkingDir: cfg.Codex.WorkingDir,
			APIKey:     cfg.Codex.APIKey,
			Model:      cfg.Codex.Model,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	manager, err := session.NewManager(session.Options{
		MaxSessions:     cfg.Sessions.MaxSessions,
		IdleTimeout:     cfg.Sessions.IdleTimeout(),
		CleanupInterval: cfg.Sessions.CleanupInterval(),
		SweepSchedule:   cfg.Sessions.SweepSchedule,
		TurnTimeout:     cfg.Sessions.TurnTimeout(),
		StopGrace:       cfg.Sessions.ShutdownGrace(),
	}, spawn)
	if err != nil {
		logger.Fatalf("Failed to start session manager: %v", err)
	}

	// Disk watcher for the data directory. Session state belongs to the
	// codex children, so it only warns.
	watcher := cleanup.New(cleanup.DefaultConfig(cfg.Sessions.BaseDataDir))
	watcher.Start()

	server := api.NewServer(cfg, manager, authenticator)
	logger.Println("")

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve()
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)

		// Stop accepting requests, let in-flight ones finish
		logger.Println("   Draining HTTP connections...")
		if err := server.Shutdown(ctx); err != nil {
			logger.Printf("⚠️  HTTP shutdown: %v", err)
		}

		// Stop codex children
		logger.Println("   Stopping sessions...")
		manager.Shutdown(ctx)

		watcher.Stop()

		if userStore != nil {
			logger.Println("   Closing user directory...")
			_ = userStore.Close()
		}

		logger.Println("✅ Shutdown complete")
		_ = logger.CloseSlog()
		_ = logger.Close()

		cancel()
		os.Exit(0) //nolint:gocritic // intentional exit after manual cleanup
	}
}

// starterConfig is written by 'portcullis init'. Every field shows its
// default so the file doubles as format documentation.
const starterConfig = `{
  // Portcullis Configuration

  "server": {
    "host": "0.0.0.0",
    "port": 8111,
    "cors_origins": ["*"]
  },

  "codex": {
    // Falls back to $OPENAI_API_KEY when empty
    "api_key": "",
    // Empty resolves codex from $PATH
    "binary_path": "",
    "working_dir": "",
    "model": ""
  },

  "sessions": {
    // Empty defaults to ~/.portcullis; each user gets {base}/users/{id}
    "base_data_dir": "",
    "max_sessions": 20,
    "idle_timeout_seconds": 1800,
    "cleanup_interval_seconds": 60,
    // Optional 5-field cron for extra sweeps, e.g. "0 3 * * *"
    "sweep_schedule": "",
    "turn_timeout_seconds": 600,
    "shutdown_grace_seconds": 10
  },

  "security": {
    // none or keycloak
    "method": "none",
    "allow_user_id_override": true,
    "keycloak": {
      "server_url": "",
      "realm": "",
      "client_id": "",
      "client_secret": ""
    },
    // Empty defaults to {base_data_dir}/users.db
    "user_db_path": "",
    "rate_limit": {
      "requests_per_second": 0,
      "burst": 0
    }
  },

  "logging": {
    // Empty logs to the console only
    "dir": "",
    "json": false,
    "level": "info"
  }
}
`

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.portcullis)")
	_ = fs.Parse(args)

	var baseDir string
	if *dirFlag != "" {
		absDir, err := filepath.Abs(*dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
			os.Exit(1)
		}
		baseDir = absDir
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		baseDir = filepath.Join(homeDir, ".portcullis")
	}

	configPath := filepath.Join(baseDir, "config", "portcullis.jsonc")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("⚠️  %s already exists.\n", configPath)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("🏰 Initializing Portcullis")
	fmt.Println("")

	for _, dir := range []string{filepath.Join(baseDir, "config"), filepath.Join(baseDir, "users")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	if err := os.WriteFile(configPath, []byte(starterConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating portcullis.jsonc: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configPath)

	fmt.Println("")
	fmt.Println("✅ Portcullis initialized!")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("   1. Set OPENAI_API_KEY (or edit codex.api_key in the config)")
	fmt.Println("   2. Make sure the codex CLI is on your PATH")
	fmt.Println("   3. Run 'portcullis' to start the gateway")
}

// cmdUser handles the 'user' subcommand for the keycloak user directory
func cmdUser(args []string) {
	if len(args) < 1 {
		printUserUsage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUserUsage()
		return
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	store, err := auth.NewUserStore(cfg.Security.UserDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening user directory: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "add":
		userAdd(store, cmdArgs)
	case "list":
		userList(store)
	case "remove":
		userRemove(store, cmdArgs)
	case "info":
		userInfo(store, cmdArgs)
	default:
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "Unknown user command: %s\n", cmd)
		printUserUsage()
		os.Exit(1)
	}
	_ = store.Close()
}

func printUserUsage() {
	fmt.Println(`User Directory Management

Maps Keycloak subjects to gateway user ids. Only consulted when
security.method is "keycloak".

Usage: portcullis user <command> [options]

Commands:
  add       Register a user
  list      List registered users
  remove    Remove a user
  info      Show one user
  help      Show this help

Examples:
  portcullis user add --subject 7f3a9c12-... --id alice --name "Alice"
  portcullis user add --subject 9b01d4e8-...    (id is generated)
  portcullis user list
  portcullis user remove alice
  portcullis user info alice`)
}

func userAdd(store *auth.UserStore, args []string) {
	fs := flag.NewFlagSet("user add", flag.ExitOnError)
	id := fs.String("id", "", "User id (generated when omitted)")
	subject := fs.String("subject", "", "Keycloak subject / sub claim (required)")
	name := fs.String("name", "", "Display name")
	_ = fs.Parse(args)

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "Error: --subject is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	user, err := store.CreateUser(context.Background(), *id, *subject, *name)
	if err != nil {
		audit.LogUserChange(audit.OpUserAdd, *id, err)
		fmt.Fprintf(os.Stderr, "Error creating user: %v\n", err)
		os.Exit(1)
	}
	audit.LogUserChange(audit.OpUserAdd, user.ID, nil)

	fmt.Println("User registered.")
	fmt.Println()
	fmt.Printf("ID:      %s\n", user.ID)
	fmt.Printf("Subject: %s\n", user.Subject)
	if user.DisplayName != "" {
		fmt.Printf("Name:    %s\n", user.DisplayName)
	}
}

func userList(store *auth.UserStore) {
	users, err := store.ListUsers(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing users: %v\n", err)
		os.Exit(1)
	}

	if len(users) == 0 {
		fmt.Println("No users registered.")
		fmt.Println()
		fmt.Println("Register one with: portcullis user add --subject <sub> --id <id>")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSUBJECT\tNAME\tCREATED\tLAST SEEN")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t-------\t---------")

	for _, u := range users {
		lastSeen := "never"
		if u.LastSeenAt != nil {
			lastSeen = u.LastSeenAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			u.ID,
			u.Subject,
			u.DisplayName,
			u.CreatedAt.Format("2006-01-02 15:04"),
			lastSeen,
		)
	}
	_ = w.Flush()
}

func userRemove(store *auth.UserStore, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: user id required")
		fmt.Fprintln(os.Stderr, "Usage: portcullis user remove <user_id>")
		os.Exit(1)
	}

	userID := args[0]
	if err := store.DeleteUser(context.Background(), userID); err != nil {
		audit.LogUserChange(audit.OpUserRemove, userID, err)
		fmt.Fprintf(os.Stderr, "Error removing user: %v\n", err)
		os.Exit(1)
	}
	audit.LogUserChange(audit.OpUserRemove, userID, nil)

	fmt.Printf("User %s removed.\n", userID)
}

func userInfo(store *auth.UserStore, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: user id required")
		fmt.Fprintln(os.Stderr, "Usage: portcullis user info <user_id>")
		os.Exit(1)
	}

	user, err := store.GetUser(context.Background(), args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting user: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ID:        %s\n", user.ID)
	fmt.Printf("Subject:   %s\n", user.Subject)
	fmt.Printf("Name:      %s\n", user.DisplayName)
	fmt.Printf("Created:   %s\n", user.CreatedAt.Format("2006-01-02 15:04:05"))
	if user.LastSeenAt != nil {
		fmt.Printf("Last Seen: %s\n", user.LastSeenAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Last Seen: never\n")
	}
}

// runDaemon starts the server in background and waits for it to be ready
func runDaemon(configDir string) {
	executable, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	// Resolve config to know which port to health-check
	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	healthURL := fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)

	// Check if already running
	resp, err := http.Get(healthURL)
	if err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("✅ Portcullis already running on port %d\n", cfg.Server.Port)
			os.Exit(0)
		}
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(cfg.Sessions.BaseDataDir, "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating log directory: %v\n", err)
		os.Exit(1)
	}
	logFile := filepath.Join(logDir, "daemon.log")

	cmdStr := fmt.Sprintf("nohup %s", executable)
	if configDir != "" {
		cmdStr += fmt.Sprintf(" --config %s", configDir)
	}
	cmdStr += fmt.Sprintf(" > %s 2>&1 &", logFile)

	cmd := exec.Command("sh", "-c", cmdStr)
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting portcullis on port %d...\n", cfg.Server.Port)

	// Wait for health check to pass
	maxWait := 30 * time.Second
	checkInterval := 500 * time.Millisecond
	deadline := time.Now().Add(maxWait)

	for time.Now().Before(deadline) {
		resp, err := http.Get(healthURL)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Printf("✅ Portcullis running on port %d\n", cfg.Server.Port)
				os.Exit(0)
			}
		}
		time.Sleep(checkInterval)
	}

	fmt.Fprintf(os.Stderr, "Error: server failed to start within %v\n", maxWait)
	fmt.Fprintf(os.Stderr, "Check logs at: %s\n", logFile)
	os.Exit(1)
}
