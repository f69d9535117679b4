package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"claude-link/internal/backoff"
	"claude-link/internal/config"
	"claude-link/internal/queue"
	"claude-link/internal/socket"
	"claude-link/internal/transport"
)

var version = "dev"

var (
	flagConfig   string
	flagEndpoint string
	flagToken    string
	flagProject  string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for a remote Claude execution backend",
	Long: `chat connects to a Claude execution backend over WebSocket, streams
responses as they are generated, and queues commands written while
offline so they are delivered on reconnect.`,
	SilenceUsage: true,
	RunE:         run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath(), "config file")
	rootCmd.Flags().StringVar(&flagEndpoint, "endpoint", "", "backend WebSocket URL (overrides config)")
	rootCmd.Flags().StringVar(&flagToken, "token", "", "auth token (overrides config)")
	rootCmd.Flags().StringVar(&flagProject, "project", "", "project path stamped on commands (overrides config)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(versionCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "claude-link.yaml"
	}
	return filepath.Join(home, ".claude-link", "config.yaml")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(flagVerbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagEndpoint != "" {
		cfg.Endpoint = flagEndpoint
	}
	if flagToken != "" {
		cfg.Token = flagToken
	}
	if flagProject != "" {
		cfg.ProjectPath = flagProject
	}
	if cfg.ProjectPath == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.ProjectPath = wd
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	policy := &backoff.Policy{
		Base:        cfg.Backoff.Base,
		Cap:         cfg.Backoff.Cap,
		MaxAttempts: cfg.Backoff.MaxAttempts,
	}
	conn := socket.New(policy, socket.Options{
		PingInterval: cfg.Keepalive.PingInterval,
		ProbeTimeout: cfg.Keepalive.ProbeTimeout,
		ReadWait:     cfg.Keepalive.ReadWait,
		WriteTimeout: cfg.Keepalive.WriteTimeout,
	}, logger)
	defer conn.Close()

	store, err := openQueueStore(cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	coord, err := transport.New(conn, store, transport.Options{
		ProjectPath:   cfg.ProjectPath,
		QueueCapacity: cfg.Queue.Capacity,
	}, logger)
	if err != nil {
		return err
	}

	// A reloaded endpoint or token feeds every later dial, so reconnects
	// after a token rotation do not keep failing with the stale one.
	cfgWatcher, err := config.Watch(flagConfig, func(next config.Config) {
		coord.UpdateCredentials(next.Endpoint, next.Token)
		logger.Info("configuration updated", zap.String("endpoint", next.Endpoint))
	}, logger)
	if err != nil {
		logger.Warn("config watch unavailable", zap.Error(err))
	} else {
		defer cfgWatcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go printEvents(coord)

	if err := coord.Connect(ctx, cfg.Endpoint, cfg.Token); err != nil {
		// Reconnection is already scheduled; commands queue meanwhile.
		logger.Warn("initial connect failed", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nclosing connection...")
		coord.Disconnect()
		cancel()
		os.Exit(0)
	}()

	return promptLoop(coord, cfg.ProjectPath)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func openQueueStore(cfg config.Config, logger *zap.Logger) (*queue.Store, error) {
	path := cfg.Queue.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Warn("no home directory, offline queue is memory only", zap.Error(err))
			return nil, nil
		}
		dir := filepath.Join(home, ".claude-link")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		path = filepath.Join(dir, "queue.db")
	}
	return queue.OpenStore(path)
}

// promptLoop reads prompts from stdin until EOF. Lines starting with a
// slash are client commands.
func promptLoop(coord *transport.Coordinator, projectPath string) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			coord.Disconnect()
			return nil
		case line == "/abort":
			if err := coord.Abort(""); err != nil {
				fmt.Fprintf(os.Stderr, "abort: %v\n", err)
			}
		case line == "/new":
			coord.ClearSession(projectPath)
			fmt.Println("[next command starts a new session]")
		case line == "/status":
			fmt.Printf("queued commands: %d\n", coord.QueuedCommands())
		case line == "/history":
			for _, ev := range coord.RecentEvents(20) {
				fmt.Printf("%s  %s\n", ev.Time.Format("15:04:05"), ev.Kind)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(os.Stderr, "unknown command %s (try /abort, /new, /status, /history, /quit)\n", line)
		default:
			if _, err := coord.SendCommand(line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// printEvents renders transport events to the terminal. Streaming tokens
// print incrementally; everything else gets its own line.
func printEvents(coord *transport.Coordinator) {
	streaming := false
	for ev := range coord.Events() {
		switch ev.Kind {
		case transport.EventConnectionChanged:
			if streaming {
				fmt.Println()
				streaming = false
			}
			fmt.Printf("[%s]\n", ev.State)

		case transport.EventMessageAppended:
			fmt.Print(ev.Content)
			streaming = true

		case transport.EventMessageCompleted:
			if streaming {
				fmt.Println()
				streaming = false
			} else if ev.Content != "" {
				fmt.Println(ev.Content)
			}

		case transport.EventMessageFailed:
			if streaming {
				fmt.Println()
				streaming = false
			}
			fmt.Printf("[message interrupted: %s]\n", ev.Reason)

		case transport.EventSessionAssigned:
			fmt.Printf("[session %s]\n", ev.SessionID)

		case transport.EventCommandQueued:
			fmt.Println("[offline, command queued]")

		case transport.EventCommandFailed:
			fmt.Printf("[command dropped: %s]\n", ev.Reason)

		case transport.EventServerError:
			fmt.Printf("[server error: %s]\n", ev.Reason)

		case transport.EventShellOutput:
			fmt.Print(ev.Content)
		}
	}
}
