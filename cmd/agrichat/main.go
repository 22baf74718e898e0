package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agrichat/internal/cache"
	"agrichat/internal/config"
	"agrichat/internal/connmgr"
	"agrichat/internal/domain"
	"agrichat/internal/media"
	"agrichat/internal/metrics"
	"agrichat/internal/session"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "agrichat",
		Short:   "agrichat: marketplace chat client",
		Long:    "agrichat is the real-time chat client for the farming marketplace: it manages the WebSocket connections, the local chat cache, and image transfer.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.agrichat/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(conversationsCmd())
	root.AddCommand(chatCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch chat history from the backend and seed the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, transfer, err := buildStores(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			boot := session.New(session.Config{
				APIBaseURL: cfg.API.BaseURL,
				Token:      cfg.Auth.Token,
				Logger:     logger,
			}, store, transfer)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := boot.Run(ctx, cfg.Role(), force); err != nil {
				// Stale cache, if present, stays valid; not fatal.
				logger.Warn("history sync failed, cache left as-is", "err", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "refresh even if the cache is already seeded")
	return cmd
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List cached conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, _, err := buildStores(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			index, err := store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(index) == 0 {
				fmt.Println("no cached conversations; run `agrichat sync` first")
				return nil
			}
			for id, conv := range index {
				fmt.Printf("%-16s %-20s %d messages  last: %s\n",
					id, conv.ParticipantName, len(conv.Messages), conv.LastMessageText)
			}
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [remoteUserID]",
		Short: "Open a live chat connection and send messages from stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	role := cfg.Role()
	remoteID := cfg.Auth.AgentID
	sendKey := "" // user role sends on the singleton
	if role == domain.RoleAgent {
		if len(args) != 1 {
			return fmt.Errorf("agent role requires the user id to chat with: agrichat chat <remoteUserID>")
		}
		remoteID = args[0]
		sendKey = remoteID
	}

	store, transfer, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed history before trusting the cache.
	boot := session.New(session.Config{
		APIBaseURL: cfg.API.BaseURL,
		Token:      cfg.Auth.Token,
		Logger:     logger,
	}, store, transfer)
	if err := boot.Run(ctx, role, false); err != nil {
		logger.Warn("history sync failed, continuing with cached data", "err", err)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr)
	}

	manager := connmgr.New(connmgr.Config{
		WSBaseURL:    cfg.API.WSURL,
		IdleTimeout:  cfg.Chat.IdleTimeout(),
		PingInterval: cfg.Chat.PingInterval(),
	}, logger)
	defer manager.Close()

	convID := remoteID
	if role == domain.RoleUser {
		convID = cfg.Auth.UserID
	}

	err = manager.Connect(ctx, connmgr.Params{
		LocalID:  cfg.Auth.UserID,
		RemoteID: remoteID,
		Role:     role,
	}, connmgr.Handlers{
		OnOpen: func() {
			fmt.Println("connected; type a message and press enter (ctrl-c to quit)")
		},
		OnMessage: func(msgs []domain.Message) {
			for _, msg := range msgs {
				fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04"), msg.SenderName, msg.Text)
				if role == domain.RoleAgent {
					if _, err := store.AppendMessage(ctx, convID, msg.SenderName, msg, role); err != nil {
						logger.Warn("cache append failed", "message", msg.ID, "err", err)
					}
				}
			}
		},
		OnError: func(err error) {
			logger.Error("chat connection error", "err", err)
		},
		OnClose: func() {
			logger.Info("chat connection closed")
			stop()
		},
	})
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			msg := domain.Message{
				ID:        uuid.NewString(),
				Text:      line,
				CreatedAt: time.Now(),
				SenderID:  cfg.Auth.UserID,
			}
			if _, err := store.AppendMessage(ctx, convID, "", msg, role); err != nil {
				logger.Warn("cache append failed", "err", err)
			}
			if !manager.SendChat(msg, sendKey) {
				fmt.Println("not connected; message cached locally only")
			}
		}
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.General.LogLevel)}))
	return cfg, nil
}

func buildStores(cfg *config.Config) (*cache.SQLiteStore, *media.Transfer, error) {
	transfer := media.New(media.Config{
		APIBaseURL: cfg.API.BaseURL,
		Token:      cfg.Auth.Token,
		LocalDir:   cfg.Media.Dir,
		Logger:     logger,
	})
	store, err := cache.NewSQLiteStore(cfg.Cache.DBPath, transfer, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, transfer, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Collector.Handler())
	logger.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "err", err)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
