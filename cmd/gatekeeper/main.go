package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"warden/pkg/audit"
	"warden/pkg/clock"
	"warden/pkg/config"
	"warden/pkg/hardening"
	"warden/pkg/metrics"
	"warden/pkg/models"
	"warden/pkg/policy"
	"warden/pkg/ratelimit"
	"warden/pkg/store"
	"warden/pkg/stream"
	"warden/pkg/telemetry"
)

const serviceName = "warden-gatekeeper"

type Server struct {
	Engine              *policy.Engine
	Metrics             *metrics.Registry
	Events              *stream.Hub
	MaxRequestBodyBytes int64
	EvaluateTimeout     time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               serviceName,
		Environment:           os.Getenv("ENVIRONMENT"),
		StrictProdSecurity:    os.Getenv("STRICT_PROD_SECURITY"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisRequireTLS:       os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:      os.Getenv("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS: os.Getenv("REDIS_ALLOW_INSECURE_TLS"),
		AuditDSN:              os.Getenv("AUDIT_DATABASE_URL"),
		AdminExposed:          os.Getenv("ADMIN_EXPOSE_BEYOND_LOOPBACK"),
	}); err != nil {
		log.Fatalf("hardening: %v", err)
	}

	shutdownTracing, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory store: %v", err)
		redisClient = nil
	}
	cache := store.NewCache(ctx, redisClient)

	cfg := config.Default()
	if path := strings.TrimSpace(os.Getenv("POLICY_CONFIG_PATH")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read policy config: %v", err)
		}
		cfg, err = config.Parse(raw)
		if err != nil {
			log.Fatalf("policy config: %v", err)
		}
	}

	var writer *audit.Writer
	if dsn := strings.TrimSpace(os.Getenv("AUDIT_DATABASE_URL")); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Fatalf("audit db: %v", err)
		}
		defer pool.Close()
		writer = &audit.Writer{DB: pool}
		if err := writer.EnsureSchema(ctx); err != nil {
			log.Fatalf("audit schema: %v", err)
		}
	}
	var emitter *audit.KafkaEmitter
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		emitter, err = audit.NewKafkaEmitter(audit.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   envOr("KAFKA_AUDIT_TOPIC", "warden.decisions"),
		})
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		defer emitter.Close()
	}
	sink := audit.NewSink(writer, emitter, 0)
	defer sink.Close()

	registry := metrics.NewRegistry()
	hub := stream.NewHub()

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, clock.Real{}, nil)
	} else {
		limiter = ratelimit.NewSliding(clock.Real{})
	}

	engine, err := policy.New(cfg, policy.Options{
		Clock:   clock.Real{},
		Limiter: limiter,
		Cache:   cache,
		Sink:    sink,
		Metrics: registry,
		Hub:     hub,
		Ack:     ackPredicate(),
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	srv := &Server{
		Engine:              engine,
		Metrics:             registry,
		Events:              hub,
		MaxRequestBodyBytes: 1 << 20,
		EvaluateTimeout:     50 * time.Millisecond,
	}

	addr := ":" + envOr("PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("%s listening on %s", serviceName, addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Post("/v1/evaluate", s.handleEvaluate)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/events", s.handleEvents)
	r.Group(func(admin chi.Router) {
		admin.Use(loopbackOnly)
		admin.Post("/admin/reload", s.handleReload)
		admin.Post("/admin/reset", s.handleReset)
	})
	return r
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.MaxRequestBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req models.Request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.EvaluateTimeout)
	defer cancel()
	decision := s.Engine.Evaluate(ctx, req)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := policy.StatusQuery{
		Kind:        models.RequestKind(r.URL.Query().Get("kind")),
		Channel:     r.URL.Query().Get("channel"),
		Identity:    r.URL.Query().Get("identity"),
		DeviceID:    r.URL.Query().Get("device_id"),
		ActionClass: r.URL.Query().Get("action_class"),
	}
	writeJSON(w, http.StatusOK, s.Engine.Status(q))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.MaxRequestBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := s.Engine.ReloadJSON(body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  models.ReasonConfigError,
			"detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"generation": s.Engine.Generation()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		http.Error(w, "scope required", http.StatusBadRequest)
		return
	}
	s.Engine.Reset(scope)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	ch := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(ch)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// loopbackOnly guards the privileged admin surface. Reset and reload must
// never be reachable over the network transport.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ackPredicate is the default acknowledgment recognizer: a small phrase
// table over lowercased text. Deployments with a smarter recognizer replace
// it; the engine only ever sees the boolean.
func ackPredicate() policy.AckPredicate {
	phrases := []string{"acknowledged", "i know", "got it", "on it", "false alarm"}
	if raw := strings.TrimSpace(os.Getenv("ACK_PHRASES")); raw != "" {
		phrases = strings.Split(strings.ToLower(raw), ",")
	}
	return func(text string) bool {
		lower := strings.ToLower(text)
		for _, p := range phrases {
			if p = strings.TrimSpace(p); p != "" && strings.Contains(lower, p) {
				return true
			}
		}
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
