package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/cmd/identity-server/app"
	"github.com/providentiaww/identity-server/internal/config"
	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/keys"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/registry"
	"github.com/providentiaww/identity-server/internal/storage"
)

const ServiceVersion = "v1.0.0"

const (
	shutdownTimeout = 15 * time.Second
	amqpDialTimeout = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.LoadEnv(ctx, "../../.env")
	configureLogging()
	log := logrus.WithFields(logrus.Fields{"package": "main", "version": ServiceVersion})

	if err := run(ctx); err != nil {
		log.WithError(err).Fatal("identity server stopped")
	}
	log.Info("identity server stopped")
}

func run(ctx context.Context) error {
	log := logrus.WithFields(logrus.Fields{"package": "main", "method": "run"})

	cfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	var file *registry.File
	if path := os.Getenv("OAUTH_REGISTRY_FILE"); path != "" {
		if file, err = registry.LoadFile(path); err != nil {
			return err
		}
	} else {
		log.Warn("OAUTH_REGISTRY_FILE not set, starting with an empty registry")
	}

	backends := app.Backends{Checks: map[string]func(context.Context) error{}}
	closers := []func() error{}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	if err := openGrantStore(ctx, &backends, &closers); err != nil {
		return err
	}

	var pg *sql.DB
	postgres := func() (*sql.DB, error) {
		if pg != nil {
			return pg, nil
		}
		db, err := storage.OpenPostgresFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		pg = db
		closers = append(closers, db.Close)
		backends.Checks["postgres"] = db.PingContext
		return db, nil
	}

	switch driver := strings.ToLower(os.Getenv("CLIENT_STORE_DRIVER")); driver {
	case "", "yaml":
	case "postgres":
		db, err := postgres()
		if err != nil {
			return err
		}
		clients := storage.NewPostgresClientStore(db)
		if err := clients.EnsureSchema(ctx); err != nil {
			return err
		}
		backends.Clients = clients
		backends.Registrar = clients
	default:
		return errors.Errorf("unsupported CLIENT_STORE_DRIVER %q", driver)
	}

	if !cfg.Keys.Enabled {
		static, err := keys.LoadStaticKeysFromEnv()
		if err != nil {
			return err
		}
		backends.Keys = static
	} else {
		switch driver := strings.ToLower(os.Getenv("KEY_STORE_DRIVER")); driver {
		case "", "file":
			dir := os.Getenv("OAUTH_KEY_DIR")
			if dir == "" {
				dir = "keys"
			}
			store, err := storage.NewFileKeyStore(dir)
			if err != nil {
				return err
			}
			backends.KeyStore = store
		case "postgres":
			db, err := postgres()
			if err != nil {
				return err
			}
			store := storage.NewPostgresKeyStore(db)
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			backends.KeyStore = store
		default:
			return errors.Errorf("unsupported KEY_STORE_DRIVER %q", driver)
		}
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		client, err := storage.OpenRedis(ctx, url)
		if err != nil {
			return err
		}
		closers = append(closers, client.Close)
		backends.Messages = storage.NewRedisMessageBackend(client)
		backends.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	if url := os.Getenv("AMQP_URL"); url != "" {
		publisher, err := events.DialAMQP(ctx, url, os.Getenv("AMQP_EXCHANGE"), amqpDialTimeout)
		if err != nil {
			return err
		}
		closers = append(closers, publisher.Close)
		backends.Publisher = publisher
	} else {
		backends.Publisher = events.LogPublisher{}
	}

	server, err := app.New(cfg, file, backends)
	if err != nil {
		return err
	}
	server.Start(ctx)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5000"
	}
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": httpServer.Addr, "issuer": cfg.Issuer}).Info("identity server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openGrantStore opens the backend named by GRANT_STORE_DRIVER.
func openGrantStore(ctx context.Context, b *app.Backends, closers *[]func() error) error {
	switch driver := strings.ToLower(os.Getenv("GRANT_STORE_DRIVER")); driver {
	case "", "sqlite", "postgres":
		db, err := storage.OpenGorm(driver, os.Getenv("GRANT_STORE_DSN"))
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return errors.Wrap(err, "grant store pool")
		}
		*closers = append(*closers, sqlDB.Close)
		b.Grants = storage.NewGormGrantStore(db)
		b.Devices = storage.NewGormDeviceFlowStore(db)
		b.Checks["grants"] = sqlDB.PingContext
	case "mongo":
		db, err := storage.OpenMongo(ctx, os.Getenv("MONGO_URI"), os.Getenv("MONGO_DATABASE"))
		if err != nil {
			return err
		}
		*closers = append(*closers, func() error { return db.Client().Disconnect(context.Background()) })
		grantStore := storage.NewMongoGrantStore(db)
		if err := grantStore.Configure(ctx); err != nil {
			return err
		}
		deviceStore := storage.NewMongoDeviceFlowStore(db)
		if err := deviceStore.Configure(ctx); err != nil {
			return err
		}
		b.Grants = grantStore
		b.Devices = deviceStore
		b.Checks["grants"] = func(ctx context.Context) error { return db.Client().Ping(ctx, nil) }
	default:
		return errors.Errorf("unsupported GRANT_STORE_DRIVER %q", driver)
	}
	return nil
}

func configureLogging() {
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
