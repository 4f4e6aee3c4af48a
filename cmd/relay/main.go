package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaypool/gemini-relay/internal/auth/admin"
	"github.com/relaypool/gemini-relay/internal/auth/google"
	"github.com/relaypool/gemini-relay/internal/auth/token"
	"github.com/relaypool/gemini-relay/internal/config"
	"github.com/relaypool/gemini-relay/internal/db"
	"github.com/relaypool/gemini-relay/internal/gateway"
	"github.com/relaypool/gemini-relay/internal/metrics"
	"github.com/relaypool/gemini-relay/internal/proxy/handlers"
	"github.com/relaypool/gemini-relay/internal/proxy/middleware"
	"github.com/relaypool/gemini-relay/internal/upstream"
	"github.com/relaypool/gemini-relay/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}
	store := db.NewStore(database, cfg.EncryptionKey, cfg.RequestLogMaxChars)

	sessions, err := admin.NewSessions(store, cfg.AdminPassword, cfg.JWTSecret)
	if err != nil {
		log.Fatalf("❌ Failed to initialize admin sessions: %v", err)
	}

	upstreamClient := upstream.NewClient(cfg.CodeAssistEndpoints, cfg.UnaryTimeout, cfg.StreamTimeout)
	oauth := google.NewOAuth(cfg.GoogleClientID, cfg.GoogleClientSecret)

	identities := token.NewManager(store, oauth, cfg.IdentityCacheTTL, cfg.TokenRefreshMargin)
	if err := identities.Warm(); err != nil {
		log.Printf("⚠️ Identity warmup failed: %v", err)
	}

	stats := metrics.Get()
	engine := gateway.NewEngine(cfg, store, identities, upstreamClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reactivator := db.NewReactivator(store, cfg.ReactivateInterval, cfg.ExhaustionCooldown)
	reactivator.Start(ctx)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(httpMetrics(stats))

	// Gemini v1beta surface, keyed by client API key.
	r.Route("/v1beta", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(store))
		r.Post("/models/{model}:generateContent", handlers.GenerateHandler(engine, cfg.MaxBodyBytes))
		r.Post("/models/{model}:streamGenerateContent", handlers.StreamGenerateHandler(engine, cfg.MaxBodyBytes))
	})

	// OAuth enrollment flow.
	r.Get("/auth/google/login", oauth.HandleLogin(cfg.OAuthRedirectURL))
	r.Get("/auth/google/callback", oauth.HandleCallback(store, upstreamClient, cfg.OAuthRedirectURL, identities.Invalidate))

	// Admin API. Login is the only open endpoint.
	r.Post("/api/login", handlers.LoginHandler(sessions))
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(sessions))

		r.Get("/accounts", handlers.AccountsHandler(store, engine))
		r.Post("/accounts/{email}/activate", handlers.ActivateAccountHandler(store, identities))
		r.Post("/accounts/{email}/deactivate", handlers.DeactivateAccountHandler(store, identities))
		r.Post("/accounts/{email}/cooldown/clear", handlers.ClearCooldownHandler(engine))
		r.Delete("/accounts/{email}", handlers.DeleteAccountHandler(store, identities))

		r.Post("/keys", handlers.CreateAPIKeyHandler(store))
		r.Get("/keys", handlers.ListAPIKeysHandler(store))
		r.Post("/keys/{id}/revoke", handlers.RevokeAPIKeyHandler(store))
		r.Delete("/keys/{id}", handlers.DeleteAPIKeyHandler(store))

		r.Get("/logs", handlers.LogsHandler(store))
		r.Get("/stats", handlers.StatsHandler(store, engine))

		r.Get("/discovery/scan", handlers.DiscoveryScanHandler())
		r.Post("/discovery/import", handlers.DiscoveryImportHandler(store, identities))

		r.Post("/chat/stream", handlers.AdminChatHandler(engine, cfg.MaxBodyBytes))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","version":"` + version.Version + `"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ Shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Gemini relay %s listening on %s", version.Version, cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ Server error: %v", err)
	}
	log.Println("👋 Server stopped")
}

// httpMetrics records request counts and latency per route pattern.
func httpMetrics(stats *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			stats.RecordHTTPRequest(r.Method, route, strconv.Itoa(ww.Status()), time.Since(start))
		})
	}
}
