package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-core/activity"
	"prism-core/api"
	"prism-core/domain"
	"prism-core/storage"
)

const shutdownTimeout = 10 * time.Second

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "prism-core",
		Short:         "Ordered task lists, recurring schedules and subtask completion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file; environment variables override it")
	root.AddCommand(serveCmd(), workerCmd(), provisionCmd())
	return root
}

// setup loads the configuration and applies the log level.
func setup() (Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return Config{}, err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newAuth(cfg Config) (*api.Auth, error) {
	if err := cfg.validateAuth(); err != nil {
		return nil, err
	}
	if cfg.Auth0TestMode {
		log.Warn("AUTH0_TEST_MODE enabled, accepting HS256 test tokens")
		return api.NewAuth(nil, cfg.Auth0Audience, "", api.AuthOptions{TestSecret: []byte(cfg.TestJWTSecret)}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: cfg.JWKSCacheTTL})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/", api.AuthOptions{KeyCacheTTL: cfg.JWKSCacheTTL}), nil
}

func serve(ctx context.Context, cfg Config) error {
	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	broker := activity.NewBroker()
	if a.redis != nil {
		go activity.Subscribe(ctx, a.redis, cfg.ActivityChannel, broker.Broadcast)
	} else {
		a.publisher.WithLocal(broker)
	}

	deps := api.Deps{
		Commands:  domain.NewOrchestrator(a.tasks),
		Queries:   a.tasks,
		Auth:      auth,
		Publisher: a.publisher,
		Broker:    broker,
		Logger:    log.New(),
	}
	if a.redis != nil {
		deps.Deduper = api.NewRedisDeduper(a.redis, cfg.DeduperTTL)
	}
	if cfg.AsyncCommands {
		q, err := storage.NewCommandQueue(cfg.StorageConnectionString, cfg.CommandQueue)
		if err != nil {
			return fmt.Errorf("command queue: %w", err)
		}
		deps.Queue = q
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	api.Register(e, deps)

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"port": cfg.Port, "backend": cfg.StoreBackend, "async": cfg.AsyncCommands}).Info("listening")
		errCh <- e.Start(":" + cfg.Port)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Apply queued commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if cfg.StorageConnectionString == "" || cfg.CommandQueue == "" {
				return errors.New("worker requires STORAGE_CONNECTION_STRING and COMMAND_QUEUE")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			q, err := storage.NewCommandQueue(cfg.StorageConnectionString, cfg.CommandQueue)
			if err != nil {
				return fmt.Errorf("command queue: %w", err)
			}
			p := &processor{
				queue:       q,
				commands:    domain.NewOrchestrator(a.tasks),
				publisher:   a.publisher,
				poll:        cfg.WorkerPollInterval,
				maxAttempts: cfg.WorkerMaxAttempts,
			}
			if a.redis != nil {
				p.deduper = api.NewRedisDeduper(a.redis, cfg.DeduperTTL)
			}
			log.WithField("queue", cfg.CommandQueue).Info("worker starting")
			p.run(ctx)
			return nil
		},
	}
}

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the storage table and command queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if cfg.StorageConnectionString == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return storage.Provision(ctx, cfg.StorageConnectionString, []string{cfg.ItemsTable}, []string{cfg.CommandQueue})
		},
	}
}
