// Command httpflowd runs the control-plane HTTP server: sessions, flows,
// the execution engine, the WebSocket session manager, and the script/test
// runner, all behind one REST+SSE+WS surface. Grounded on the teacher's
// main.go wiring shape (JSON structured logging, flag-overrides-env
// config, component construction in dependency order, then
// SecurityHeaders(RequestID(mux))), generalized to this module's
// component graph and single-bearer-token auth model.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/rjsadow/httpflow/internal/config"
	"github.com/rjsadow/httpflow/internal/content"
	"github.com/rjsadow/httpflow/internal/cookiejar"
	"github.com/rjsadow/httpflow/internal/engine"
	"github.com/rjsadow/httpflow/internal/eventbus"
	"github.com/rjsadow/httpflow/internal/flow"
	"github.com/rjsadow/httpflow/internal/hook"
	"github.com/rjsadow/httpflow/internal/interpolate"
	"github.com/rjsadow/httpflow/internal/ratelimit"
	"github.com/rjsadow/httpflow/internal/resolverplugins/oidc"
	"github.com/rjsadow/httpflow/internal/runner"
	"github.com/rjsadow/httpflow/internal/server"
	"github.com/rjsadow/httpflow/internal/session"
	"github.com/rjsadow/httpflow/internal/wsmanager"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	port := flag.Int("port", config.DefaultPort, "Port to listen on")
	bindAddr := flag.String("bind", config.DefaultBindAddr, "Address to bind")
	workspaceRoot := flag.String("workspace", config.DefaultWorkspaceRoot, "Workspace root directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	if *port != config.DefaultPort {
		cfg.Port = *port
	}
	if *bindAddr != config.DefaultBindAddr {
		cfg.BindAddr = *bindAddr
	}
	if *workspaceRoot != config.DefaultWorkspaceRoot {
		cfg.WorkspaceRoot = *workspaceRoot
	}

	loader, err := content.NewLoader(cfg.WorkspaceRoot)
	if err != nil {
		slog.Error("failed to resolve workspace root", "error", err, "root", cfg.WorkspaceRoot)
		os.Exit(1)
	}

	jars, err := cookiejar.NewManager(cfg.CookieJarRoot, cfg.CookieJarDSN)
	if err != nil {
		slog.Error("failed to open cookie jar store", "error", err)
		os.Exit(1)
	}
	defer jars.Close()

	bus := eventbus.New()

	sessions := session.NewManager(cfg.MaxSessions, cfg.SessionTTL, cfg.SessionSweep)
	sessions.Start()
	defer sessions.Stop()

	flows := flow.NewManager(cfg.MaxFlows, cfg.MaxExecutions, cfg.FlowIdleTTL, cfg.FlowSweep, bus)
	flows.Start()
	defer flows.Stop()

	hooks := hook.New()
	interp := interpolate.New(interpolate.NewRegistry())
	eng := engine.New(flows, sessions, bus, hooks, interp, loader, jars, cfg.MaxBodyBytes)

	if cfg.OidcIssuer != "" {
		oidcResolver, err := oidc.New(context.Background(), oidc.Config{
			Issuer:       cfg.OidcIssuer,
			ClientID:     cfg.OidcClientID,
			ClientSecret: cfg.OidcClientSecret,
			Scopes:       cfg.OidcScopes,
			Timeout:      cfg.OidcTimeout,
		})
		if err != nil {
			slog.Error("failed to initialize oidc resolver", "error", err, "issuer", cfg.OidcIssuer)
			os.Exit(1)
		}
		oidcResolver.Register(interp.Registry())
	}

	ws := wsmanager.NewManager(cfg.WsSessionLimit)
	ws.Start()
	defer ws.Stop()

	tokens := runner.NewTokenIssuer([]byte(cfg.ScriptTokenSecret), cfg.ScriptTokenTTL)
	run := runner.NewManager(bus, loader, tokens)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.New(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst, 0)
		defer limiter.Stop()
	}

	app := &server.App{
		Sessions:    sessions,
		Flows:       flows,
		Bus:         bus,
		Hooks:       hooks,
		Engine:      eng,
		Content:     loader,
		WS:          ws,
		Runner:      run,
		Limiter:     limiter,
		Config:      cfg,
		BearerToken: cfg.BearerToken,
	}

	if cfg.BearerToken == "" {
		slog.Warn("HTTPFLOW_BEARER_TOKEN not set - control plane auth disabled", "bindAddr", cfg.BindAddr)
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses (SSE, WS) must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("httpflowd starting", "addr", "http://"+addr, "workspaceRoot", loader.Root())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
