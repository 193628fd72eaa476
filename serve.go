package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"microblog/auth"
	"microblog/config"
	"microblog/domain"
	"microblog/feed"
	"microblog/handler"
	"microblog/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newLogger(e *echo.Echo, cfg *config.Config) {
	if cfg.IsDev() {
		e.Logger.SetLevel(log.DEBUG)
	} else {
		e.Logger.SetLevel(log.INFO)
	}
}

func newRedis(raw string) *redis.Client {
	if raw == "" {
		return nil
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		opts = &redis.Options{Addr: raw}
	}
	return redis.NewClient(opts)
}

// newIPExtractor trusts X-Forwarded-For only from the configured proxies.
func newIPExtractor(trusted []string) (echo.IPExtractor, error) {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect(), nil
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, cidr := range trusted {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
	}
	return echo.ExtractIPFromXFFHeader(opts...), nil
}

// startMetrics serves /metrics on its own listener, away from the public
// router.
func startMetrics(e *echo.Echo, addr string) *echo.Echo {
	m := echo.New()
	m.HideBanner = true
	m.HidePort = true
	m.Logger = e.Logger
	handler.MetricsRoutes(m)
	go func() {
		if err := m.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Errorf("metrics listener: %v", err)
		}
	}()
	e.Logger.Infof("metrics on %s/metrics", addr)
	return m
}

func newMailer(e *echo.Echo, cfg *config.Config) auth.Mailer {
	if cfg.SMTPHost == "" {
		if !cfg.IsDev() {
			e.Logger.Warn("SMTP_HOST is not set, magic codes are only written to the log")
		}
		return auth.LogMailer{Log: e.Logger}
	}
	return auth.SMTPMailer{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	newLogger(e, cfg)
	e.IPExtractor, err = newIPExtractor(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.Logger.Info("Running database schema migrations...")
	db, err := store.Open(ctx, store.Config{AppID: cfg.AppID, Driver: cfg.DBDriver, URL: cfg.DBURL}, e.Logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := newRedis(cfg.RedisURL)
	if rdb != nil {
		defer rdb.Close()
	}

	hub := feed.NewHub(db, e.Logger)
	if rdb != nil {
		if err := hub.UseRelay(ctx, feed.NewRelay(rdb, cfg.AppID, e.Logger)); err != nil {
			e.Logger.Warnf("feed relay disabled, live updates stay on this instance: %v", err)
		}
	}
	db.OnChange(hub.Changed)
	go hub.Run(ctx)

	sessions, err := auth.NewSessions(cfg.JWTSecret, cfg.AppID)
	if err != nil {
		return err
	}

	h := handler.Handler{
		DB:       db,
		Auth:     auth.NewService(db, newMailer(e, cfg), e.Logger, auth.WithCodeTTL(cfg.MagicCodeTTL)),
		Sessions: sessions,
		Hub:      hub,
		Redis:    rdb,
		Client: domain.ClientConfig{
			AppID:        cfg.AppID,
			APIURI:       cfg.APIURI,
			WebsocketURI: cfg.WebsocketURI,
		},
		Environment:   cfg.Env,
		CodeRateLimit: cfg.CodeRateLimit,
		CodeTTL:       cfg.MagicCodeTTL,
	}
	h.Routes(e)

	var metricsServer *echo.Echo
	if cfg.MetricsListen != "" {
		metricsServer = startMetrics(e, cfg.MetricsListen)
	}

	errc := make(chan error, 1)
	go func() {
		if cfg.AddressListen != "" {
			errc <- e.Start(cfg.AddressListen)
			return
		}
		// Cache certificates to avoid issues with rate limits (https://letsencrypt.org/docs/rate-limits)
		e.AutoTLSManager.Cache = autocert.DirCache(cfg.TLSCacheDir)
		if cfg.WhitelistHost != "" {
			e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(cfg.WhitelistHost)
		}
		e.Pre(middleware.HTTPSRedirect())
		errc <- e.StartAutoTLS(":443")
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	e.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			e.Logger.Warnf("metrics listener shutdown: %v", err)
		}
	}
	return e.Shutdown(shutdownCtx)
}
