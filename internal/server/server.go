package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/breaker"
	"github.com/zianansar/proposal-writer-sub006/internal/collab"
	"github.com/zianansar/proposal-writer-sub006/internal/events"
	"github.com/zianansar/proposal-writer-sub006/internal/ledger"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
	"github.com/zianansar/proposal-writer-sub006/internal/queue/streams"
	"github.com/zianansar/proposal-writer-sub006/internal/runtime"
	"github.com/zianansar/proposal-writer-sub006/internal/store"
	"github.com/zianansar/proposal-writer-sub006/internal/style"
	"github.com/zianansar/proposal-writer-sub006/internal/telemetry"
	"github.com/zianansar/proposal-writer-sub006/internal/templates"
	"github.com/zianansar/proposal-writer-sub006/provider"
)

// Run wires the full application and serves the HTTP API until the process
// exits.
func Run(cfgPath, addr string) error {
	cfg := config.LoadConfig(cfgPath)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		baseLogger.Printf("startup migration failed: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)

	// Override token issuance and consumption are audited to Postgres,
	// best effort.
	audit := func(ev breaker.OverrideEvent) {
		if err := st.RecordBreakerOverride(context.Background(), ev); err != nil {
			baseLogger.Printf("breaker override audit failed: %v", err)
		}
	}
	breakers := breaker.NewSet(cfg.Breaker, audit)

	ledgerLogger := log.New(log.Writer(), "[LEDGER] ", log.LstdFlags)
	led, err := ledger.New(ctx, cfg.Ledger, st, ledgerLogger)
	if err != nil {
		return err
	}

	engine := style.NewEngine(cfg.Style, st, nil)
	bus := events.NewBus()

	gen, err := provider.NewGenerator(provider.OpenAI, cfg.LLM)
	if err != nil {
		return err
	}

	orch := pipeline.New(cfg.Pipeline, cfg.Prompt, pipeline.Deps{
		Parser:    collab.NewJobParser(cfg.Collab),
		Scanner:   collab.NewRiskScanner(cfg.Collab),
		Generator: gen,
		Styles:    engine,
		Templates: templates.NewCatalog(),
		Ledger:    led,
		Breakers:  breakers,
		Bus:       bus,
		Telemetry: tele,
		Store:     st,
	})

	// The learning engine recomputes off the hot path, fed by run events.
	engineCh, engineCancel := bus.Subscribe()
	defer engineCancel()
	go engine.Run(ctx, engineCh)

	// Optional Redis mirror of pipeline events for external consumers.
	if cfg.Storage.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
		}
		mirror := streams.NewMirror(streams.NewPublisher(rdb, 10000), cfg.Storage.Redis.Stream)
		mirrorCh, mirrorCancel := bus.Subscribe()
		defer mirrorCancel()
		go mirror.Run(ctx, mirrorCh)
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	rh := &RunsHandler{Store: st, Orch: orch, Bus: bus, Cfg: cfg, Logger: log.New(log.Writer(), "[RUNS] ", log.LstdFlags)}
	rh.Register(api.Group("/runs"), secret)

	sh := &StyleHandler{Engine: engine, Store: st}
	sh.Register(api.Group("/style"), secret)

	oh := &OpsHandler{Ledger: led, Breakers: breakers, Telemetry: tele}
	oh.Register(api.Group("/ops"), secret)

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":8080"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
