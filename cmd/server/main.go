package main

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"

	"github.com/jmartynas/bytemason/internal/attempt"
	"github.com/jmartynas/bytemason/internal/authclient"
	"github.com/jmartynas/bytemason/internal/config"
	"github.com/jmartynas/bytemason/internal/database"
	"github.com/jmartynas/bytemason/internal/handlers"
	"github.com/jmartynas/bytemason/internal/migrations"
	"github.com/jmartynas/bytemason/internal/server"
	"github.com/jmartynas/bytemason/internal/signin"
	"github.com/jmartynas/bytemason/internal/viewstore"
)

//go:embed migrations
var migrationFS embed.FS

const sweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("parsing environment variables")
	}
	log := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	views, closeViews := openViewStore(ctx, cfg.Store, log)
	defer closeViews()
	checks := []handlers.Check{{Name: "views", Ping: views.Ping}}

	var attempts attempt.Recorder = attempt.Nop{}
	if cfg.MySQL.RawDSN != "" {
		dbc, err := database.Open(ctx, cfg.MySQL)
		if err != nil {
			log.WithError(err).Fatal("mysql connection failed")
		}
		defer dbc.Close()
		log.WithField("replicas", len(dbc.ReplicaDBs())).Info("mysql connected")

		if err := migrations.Run(dbc.PrimaryDBs()[0], migrationFS, "migrations", log); err != nil {
			log.WithError(err).Fatal("migrations failed")
		}
		attempts = attempt.NewRepository(dbc)
		checks = append(checks, handlers.Check{Name: "mysql", Ping: dbc.PingContext})
	} else {
		log.Warn("no mysql DSN configured: sign-in attempts are not recorded and the magic-link limit is off")
	}

	client := authclient.NewGoTrue(cfg.Provider.URL, cfg.Provider.AnonKey, authclient.WithPKCE(cfg.Provider.PKCE))

	store := sessions.NewCookieStore([]byte(cfg.Session.Key))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.Store.ViewTTL / time.Second),
		HttpOnly: true,
		Secure:   cfg.Secure(),
		SameSite: http.SameSiteLaxMode,
	}

	svc := signin.NewService(client, views, attempts, log, signin.Options{
		ViewTTL:         cfg.Store.ViewTTL,
		Providers:       cfg.Provider.Providers,
		MagicLinkLimit:  cfg.RateLimit.MagicLinkPerEmail,
		MagicLinkWindow: cfg.RateLimit.Window,
		LoadingTimeout:  cfg.Server.AuthTimeout,
	})

	srv := server.New(cfg, log, svc, store, checks...)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
		return
	}
	log.Info("server stopped")
}

// openViewStore picks Redis when an address is configured, otherwise an in-process
// store that only works for a single replica.
func openViewStore(ctx context.Context, cfg config.StoreConfig, log logrus.FieldLogger) (viewstore.Store, func()) {
	if cfg.RedisAddr == "" {
		log.Warn("no redis address configured: sign-in views are kept in memory")
		mem := viewstore.NewMemory()
		go mem.RunSweeper(ctx, sweepInterval)
		return mem, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	views := viewstore.NewRedis(rdb)
	if err := views.Ping(ctx); err != nil {
		log.WithError(err).Fatal("redis connection failed")
	}
	log.WithField("addr", cfg.RedisAddr).Info("redis connected")
	return views, func() { _ = rdb.Close() }
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Production {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
