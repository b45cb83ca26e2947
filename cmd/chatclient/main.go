package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/auction-realtime/internal/api"
	"github.com/rickgao/auction-realtime/internal/auth"
	"github.com/rickgao/auction-realtime/internal/chat"
	"github.com/rickgao/auction-realtime/internal/config"
	"github.com/rickgao/auction-realtime/internal/connection"
	"github.com/rickgao/auction-realtime/internal/database"
	"github.com/rickgao/auction-realtime/internal/metrics"
	"github.com/rickgao/auction-realtime/internal/version"
)

var (
	inbound  = color.New(color.FgCyan)
	outbound = color.New(color.FgGreen)
	notice   = color.New(color.FgYellow)
	failure  = color.New(color.FgRed, color.Bold)
)

func main() {
	configPath := flag.String("config", "configs/chatclient.local.yaml", "path to config file (empty for built-in defaults)")
	threadID := flag.String("thread", "", "order id of the chat thread to join")
	email := flag.String("email", "", "log in with this email before joining (password from AUCTION_PASSWORD)")
	flag.Parse()

	if err := run(*configPath, *threadID, *email); err != nil {
		failure.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, threadID, email string) error {
	if threadID == "" {
		return errors.New("-thread is required")
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logs go to stderr; stdout carries the conversation.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting chat client",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	mt := metrics.New(registry)

	bus := auth.NewBus()
	coord := api.NewCoordinator(cfg.API.RestURL, store,
		api.WithEvents(bus),
		api.WithRefreshClient(&http.Client{Timeout: cfg.API.Timeout}),
		api.WithCoordinatorLogger(logger),
		api.WithCoordinatorMetrics(mt),
	)
	client := api.NewClient(cfg.API.RestURL, coord,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	if email != "" {
		if _, err := client.Login(ctx, email, os.Getenv("AUCTION_PASSWORD")); err != nil {
			return err
		}
	}

	states := make(chan connection.State, 8)
	manager := connection.NewManager(connection.ManagerConfig{
		URL:            cfg.API.TransportURL(),
		ConnectTimeout: cfg.Session.ConnectTimeout,
		WriteTimeout:   cfg.Session.WriteTimeout,
		PingTimeout:    cfg.Session.PingTimeout,
		BufferSize:     cfg.Session.BufferSize,
	}, store,
		connection.WithLogger(logger),
		connection.WithMetrics(mt),
		connection.WithStateListener(func(s connection.State, err error) {
			if err != nil {
				notice.Printf("* connection %s: %v\n", s, err)
			}
			select {
			case states <- s:
			default:
			}
		}),
	)
	defer manager.Disconnect()

	unsubscribe := bus.Subscribe(func(ev auth.Event) {
		switch ev.Kind {
		case auth.EventRotated:
			logger.Info("access token rotated", "user", auth.UserFromToken(ev.Credentials.AccessToken))
		case auth.EventLoggedOut:
			failure.Println("* logged out:", ev.Err)
			cancel()
		}
	})
	defer unsubscribe()

	thread, err := chat.Open(ctx, manager, chat.Config{
		ThreadID:           threadID,
		ReconnectBaseDelay: cfg.Session.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Session.ReconnectMaxDelay,
	}, logger)
	if err != nil {
		return err
	}
	defer thread.Close()

	notice.Printf("* joined thread %s, type a message and press enter\n", threadID)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			msg, err := thread.Receive(ctx)
			if err != nil {
				return ignoreShutdown(err)
			}
			at := msg.SentAt
			if at.IsZero() {
				at = time.Now()
			}
			inbound.Printf("[%s] %s: %s\n", at.Format(time.Kitchen), msg.SenderID, msg.Content)
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					cancel()
					return nil
				}
				if line == "" {
					continue
				}
				if err := thread.Send(line); err != nil {
					failure.Println("* not sent:", err)
					continue
				}
				outbound.Println("> " + line)
			}
		}
	})

	// Caller-driven reconnection: the manager never redials by itself.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-states:
				if s != connection.StateDisconnected || thread.Active() {
					continue
				}
				if err := thread.Reconnect(ctx); err != nil {
					return ignoreShutdown(err)
				}
				notice.Println("* reconnected")
			}
		}
	})

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metricsMux(cfg.Metrics.Path, registry),
		}
		g.Go(func() error {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("chat client stopped")
	return err
}

// openStore returns the configured credential store and its cleanup.
func openStore(ctx context.Context, cfg *config.ClientConfig) (auth.Store, func(), error) {
	switch cfg.Credentials.Store {
	case "file":
		return auth.NewFileStore(cfg.Credentials.Path), func() {}, nil

	case "postgres":
		db, err := database.Open(ctx, cfg.Database.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("open credential database: %w", err)
		}
		store := database.NewCredentialStore(db, "")
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("prepare credential table: %w", err)
		}
		return store, func() { db.Close() }, nil

	default:
		return auth.NewMemoryStore(auth.Credentials{}), func() {}, nil
	}
}

func metricsMux(path string, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler(registry))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, chat.ErrClosed) {
		return nil
	}
	return err
}
