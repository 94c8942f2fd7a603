// Package main runs the Reddit user tagging service and its maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/urfave/cli/v3"

	"reddit-marker/config"
	"reddit-marker/crawl"
	"reddit-marker/notify"
	"reddit-marker/poll"
	"reddit-marker/reddit"
	"reddit-marker/refresh"
	"reddit-marker/scraper"
	"reddit-marker/server"
	"reddit-marker/storage"
	"reddit-marker/tags"
)

func main() {
	root := &cli.Command{
		Name:  "reddit-marker",
		Usage: "Tag Reddit users by their subreddit activity",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file (default ./config.yaml if present)"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			refreshCommand(),
			statsCommand(),
			scanCommand(),
			resetCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// app holds the wired service components.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *storage.Store
	reddit     *reddit.Client
	engine     *tags.Engine
	coord      *refresh.Coordinator
	dispatcher *server.Dispatcher
	httpClient *http.Client
}

func newApp(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg.Log)

	backend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, backend, storage.MarkerSchema(), storage.MarkerMigrations(), logger)
	if err != nil {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Warn("Failed to close storage backend", "error", closeErr)
		}
		return nil, fmt.Errorf("open store: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.Reddit.Timeout}
	client := reddit.New(httpClient, cfg.Reddit.BaseURL, cfg.Reddit.UserAgent, logger)
	crawler := crawl.New(client, crawl.NewAggregator(store, logger), logger)
	engine := tags.NewEngine(store, logger)
	if err := engine.Reload(ctx); err != nil {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("Failed to close store", "error", closeErr)
		}
		return nil, fmt.Errorf("load tags: %w", err)
	}

	var notifier refresh.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, nil, logger)
	}

	coord := refresh.New(store, client, crawler, engine, notifier, refresh.NewUserCache(), refresh.Config{
		StaleAfter:     cfg.Refresh.StaleAfter,
		Debounce:       cfg.Refresh.Debounce,
		SanityDuration: cfg.Refresh.SanityDuration,
		Concurrency:    cfg.Refresh.Concurrency,
	}, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		reddit:     client,
		engine:     engine,
		coord:      coord,
		dispatcher: server.NewDispatcher(store, coord, engine, logger),
		httpClient: httpClient,
	}, nil
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		b, err := storage.NewSQLiteBackend(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
		}
		logger.Info("Using SQLite storage", "path", cfg.Path)
		return b, nil
	case config.BackendFile:
		b, err := storage.NewFileBackend(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open file storage %s: %w", cfg.Path, err)
		}
		logger.Info("Using local file storage", "path", cfg.Path)
		return b, nil
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
		return storage.NewGCSBackend(client, cfg.Bucket, cfg.Prefix, logger), nil
	default:
		logger.Warn("Using in-memory storage, nothing will persist")
		return storage.NewMemoryBackend(), nil
	}
}

// close waits for outstanding Reddit requests, then closes the store.
func (a *app) close() {
	a.coord.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.reddit.Wait(ctx); err != nil {
		a.logger.Warn("Reddit requests still outstanding at shutdown", "outstanding", a.reddit.Outstanding())
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Usage: "listen port, overrides server.port"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched, err := poll.New(a.cfg.Refresh.Schedule, a.coord, a.logger)
			if err != nil {
				return err
			}
			if sched != nil {
				sched.Start()
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
					defer cancel()
					sched.Stop(stopCtx)
				}()
			}

			port := a.cfg.Server.Port
			if p := cmd.String("port"); p != "" {
				port = p
			}
			srv := server.New(&server.Config{
				Dispatcher: a.dispatcher,
				Logger:     a.logger,
				AdminToken: a.cfg.Server.AdminToken,
			})
			if err := srv.Serve(ctx, port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:      "refresh",
		Usage:     "Crawl the named users, or run a bulk refresh of every stored user",
		ArgsUsage: "[username...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			names := cmd.Args().Slice()
			if len(names) == 0 {
				return a.coord.BulkRefresh(ctx)
			}
			for _, name := range names {
				info, err := a.coord.RefreshUser(ctx, name)
				if err != nil {
					return fmt.Errorf("refresh %s: %w", name, err)
				}
				if err := printJSON(info); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "Print a user's per-subreddit stats",
		ArgsUsage: "<username>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sort", Value: server.SortScoreDesc, Usage: "score_desc, score_asc or name"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("stats takes exactly one username")
			}
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			data, err := json.Marshal(map[string]string{"username": cmd.Args().First(), "sort": cmd.String("sort")})
			if err != nil {
				return err
			}
			return printReply(a.dispatcher.Handle(ctx, server.Message{Type: server.TypeGetUserStats, Data: data}))
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "Resolve every user linked from a Reddit page",
		ArgsUsage: "<url>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("scan takes exactly one url")
			}
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			s := scraper.New(a.httpClient, a.cfg.Reddit.UserAgent, a.logger)
			names, err := s.Usernames(ctx, cmd.Args().First())
			if err != nil {
				return err
			}
			data, err := json.Marshal(names)
			if err != nil {
				return err
			}
			return printReply(a.dispatcher.Handle(ctx, server.Message{Type: server.TypeUsersInfo, Data: data}))
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Delete all stored data, or with --stale only mark every user for re-crawl",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "stale", Usage: "mark users stale instead of deleting"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			msgType := server.TypeDBReset
			if cmd.Bool("stale") {
				msgType = server.TypeDBOutdate
			}
			return printReply(a.dispatcher.Handle(ctx, server.Message{Type: msgType}))
		},
	}
}

func printReply(reply server.Reply) error {
	if body, ok := reply.Data.(server.ErrorBody); ok && reply.Type == server.TypeError {
		return fmt.Errorf("%s: %s", body.Reason, body.Message)
	}
	return printJSON(reply.Data)
}
