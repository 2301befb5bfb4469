package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"statgate/pkg/audit"
	"statgate/pkg/budget"
	"statgate/pkg/dp"
	"statgate/pkg/eventbus"
	"statgate/pkg/gateway"
	"statgate/pkg/hardening"
	"statgate/pkg/httpx"
	"statgate/pkg/metrics"
	"statgate/pkg/policy"
	"statgate/pkg/ratelimit"
	"statgate/pkg/similarity"
	"statgate/pkg/store"
	"statgate/pkg/stream"
	"statgate/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Gateway    *gateway.Gateway
	Calibrator *dp.Calibrator
	Ledger     budget.Ledger
	Limiter    ratelimit.Limiter
	Cache      store.Cache
	Events     *stream.Hub
	Metrics    *metrics.Registry
	Audit      auditReader

	RateLimit           int
	RateWindow          time.Duration
	MaxRequestBodyBytes int64
	EstimateCacheTTL    time.Duration
}

// auditReader exposes the stored security-event trail. Nil when the
// deployment has no durable audit store.
type auditReader interface {
	Recent(ctx context.Context, requesterID string, limit int) ([]audit.Event, error)
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (*pgxpool.Pool, error)
	openRedisFn     func(context.Context) (*redis.Client, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGateway(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (*pgxpool.Pool, error),
	openRedis func(context.Context) (*redis.Client, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = store.NewPostgresPool
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	budgetTotal := envFloat("BUDGET_TOTAL_EPSILON", budget.DefaultTotal)

	// Budget and audit live in Postgres; single-process deployments
	// can opt into the in-memory ledger.
	var ledger budget.Ledger
	var securityLog gateway.SecurityLog
	var auditTrail auditReader
	if env("STORAGE_BACKEND", "postgres") == "memory" {
		ledger = budget.NewMemoryLedger(budgetTotal)
		securityLog = stdoutSecurityLog{}
	} else {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		pgLedger := budget.NewPostgresLedger(pool, budgetTotal)
		if err := pgLedger.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("budget schema: %w", err)
		}
		ledger = pgLedger
		writer := &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		}
		if err := writer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		securityLog = writer
		auditTrail = writer
	}

	// Redis keeps rate windows shared across replicas; outages fall
	// back to per-process windows.
	var limiter ratelimit.Limiter
	var redisClient *redis.Client
	if client, err := openRedis(ctx); err == nil {
		redisClient = client
		limiter = ratelimit.NewRedis(client)
	} else {
		log.Printf("gateway: redis unavailable, using in-memory rate windows: %v", err)
		limiter = ratelimit.NewInMemory()
	}

	reg := metrics.NewRegistry()
	reg.SetGauge("budget_total_epsilon", budgetTotal)
	hub := stream.NewHub()

	var publisher *eventbus.Publisher
	if brokers := env("EVENTBUS_BROKERS", ""); brokers != "" {
		publisher, err = eventbus.NewPublisher(eventbus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("EVENTBUS_TOPIC", "statgate.decisions"),
		})
		if err != nil {
			return fmt.Errorf("eventbus: %w", err)
		}
		defer func() { _ = publisher.Close() }()
	}

	cfg := gateway.Config{
		MinK:                envInt("MIN_K_ANONYMITY", policy.DefaultMinK),
		MaxRequests:         envInt("RATE_LIMIT_MAX_REQUESTS", 100),
		RateWindow:          time.Minute * time.Duration(envInt("RATE_LIMIT_WINDOW_MIN", 60)),
		SimilarityThreshold: envInt("SIMILARITY_THRESHOLD", similarity.DefaultThreshold),
		SimilarityWindow:    time.Hour * time.Duration(envInt("SIMILARITY_WINDOW_HOURS", 24)),
		DecryptTimeout:      envDurationSec("DECRYPT_TIMEOUT_SEC", 30),
	}

	opts := []gateway.Option{
		gateway.WithSecurityLog(securityLog),
		gateway.WithMetrics(reg),
		gateway.WithDefaultEpsilon(envFloat("DEFAULT_EPSILON", dp.DefaultEpsilon)),
		gateway.WithOnDecision(func(d gateway.Decision) {
			hub.Publish(stream.NewEvent(stream.TypeDecision, d))
			if publisher != nil {
				pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := publisher.Publish(pubCtx, d.RequesterID, d); err != nil {
					log.Printf("gateway: publish decision: %v", err)
				}
				cancel()
			}
		}),
	}
	if heURL := env("HE_SERVICE_URL", ""); heURL != "" {
		opts = append(opts, gateway.WithDecryptor(&httpDecryptor{
			baseURL: heURL,
			client:  telemetry.InstrumentClient(&http.Client{Timeout: envDurationSec("DECRYPT_TIMEOUT_SEC", 30)}),
		}))
	}
	if keyIDs := env("HE_KEY_IDS", ""); keyIDs != "" {
		opts = append(opts, gateway.WithKeyStore(gateway.NewMemoryKeyStore(splitList(keyIDs)...)))
	}

	s := &Server{
		Gateway: gateway.New(cfg, limiter, similarity.NewDetector(), ledger, opts...),
		Calibrator: dp.NewCalibrator(
			envFloat("DEFAULT_EPSILON", dp.DefaultEpsilon),
			envFloat("DEFAULT_DELTA", dp.DefaultDelta),
		),
		Ledger:              ledger,
		Limiter:             limiter,
		Cache:               store.NewCache(ctx, redisClient),
		Events:              hub,
		Metrics:             reg,
		Audit:               auditTrail,
		RateLimit:           cfg.MaxRequests,
		RateWindow:          cfg.RateWindow,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		EstimateCacheTTL:    envDurationSec("ESTIMATE_CACHE_TTL_SEC", 300),
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(httpx.BodyLimitMiddleware(s.MaxRequestBodyBytes))
	r.Use(s.observeMiddleware)
	s.registerRoutes(r)

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) registerRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.PrometheusHandler())
	r.Get("/metrics.json", s.Metrics.Handler())
	r.Post("/api/v1/evaluate", s.evaluate)
	r.Post("/api/v1/decrypt", s.decrypt)
	r.Get("/api/v1/noise/estimate", s.noiseEstimate)
	r.Get("/api/v1/operations", s.listOperations)
	r.Get("/api/v1/budget/{requesterID}", s.budgetStatus)
	r.Get("/api/v1/audit/{requesterID}", s.auditTrail)
	r.Get("/v1/events", s.streamEvents)
}

type evaluateRequest struct {
	RequesterID string               `json:"requester_id"`
	Metadata    policy.QueryMetadata `json:"metadata"`
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		httpx.Error(w, 400, "requester_id required")
		return
	}
	d, err := s.Gateway.Evaluate(r.Context(), req.RequesterID, req.Metadata)
	if err != nil {
		httpx.Error(w, 503, "evaluation backend unavailable")
		return
	}
	httpx.WriteJSON(w, statusForDecision(d), d)
}

type decryptRequest struct {
	RequesterID string               `json:"requester_id"`
	Metadata    policy.QueryMetadata `json:"metadata"`
	Ciphertext  string               `json:"ciphertext"`
	KeyID       string               `json:"key_id"`
}

type decryptResponse struct {
	Decision          gateway.Decision `json:"decision"`
	Plaintext         string           `json:"plaintext,omitempty"`
	EpsilonUsed       float64          `json:"epsilon_used,omitempty"`
	RemainingBudget   *float64         `json:"remaining_budget,omitempty"`
	RemainingRequests *int             `json:"remaining_requests,omitempty"`
}

func (s *Server) decrypt(w http.ResponseWriter, r *http.Request) {
	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		httpx.Error(w, 400, "requester_id required")
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		httpx.Error(w, 400, "ciphertext must be base64")
		return
	}
	res, err := s.Gateway.Decrypt(r.Context(), req.RequesterID, req.Metadata, ciphertext, req.KeyID)
	if err != nil {
		if res.Decision.State == gateway.StateRejected {
			httpx.WriteJSON(w, statusForDecision(res.Decision), decryptResponse{Decision: res.Decision})
			return
		}
		if errors.Is(err, gateway.ErrKeyUnavailable) {
			httpx.Error(w, 404, err.Error())
			return
		}
		httpx.Error(w, 502, "decrypt failed")
		return
	}
	resp := decryptResponse{
		Decision:    res.Decision,
		Plaintext:   base64.StdEncoding.EncodeToString(res.Plaintext),
		EpsilonUsed: res.EpsilonUsed,
	}
	// Remaining allowances are advisory; a ledger read failure must not
	// fail a decrypt that already completed.
	if remaining, err := s.Ledger.Remaining(r.Context(), req.RequesterID); err == nil {
		resp.RemainingBudget = &remaining
	}
	remainingReqs := s.Limiter.Remaining(req.RequesterID, s.RateLimit, s.RateWindow)
	resp.RemainingRequests = &remainingReqs
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) noiseEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	operation := q.Get("operation")
	field := q.Get("field")
	sampleSize, err := strconv.Atoi(q.Get("sample_size"))
	if operation == "" || field == "" || err != nil || sampleSize <= 0 {
		httpx.Error(w, 400, "operation, field and positive sample_size required")
		return
	}
	mechanism := dp.Mechanism(q.Get("mechanism"))
	if mechanism == "" {
		mechanism = dp.Laplace
	}

	cacheKey := fmt.Sprintf("est:%s:%s:%d:%s", operation, field, sampleSize, mechanism)
	if cached, err := s.Cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(cached))
		return
	}

	est, err := s.Calibrator.EstimateNoiseMagnitude(operation, field, sampleSize, mechanism)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	body, _ := json.Marshal(est)
	_ = s.Cache.Set(r.Context(), cacheKey, string(body), s.EstimateCacheTTL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	_, _ = w.Write(body)
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"operations": policy.AggregateOperations()})
}

func (s *Server) budgetStatus(w http.ResponseWriter, r *http.Request) {
	requesterID := chi.URLParam(r, "requesterID")
	remaining, err := s.Ledger.Remaining(r.Context(), requesterID)
	if err != nil {
		httpx.Error(w, 503, "budget backend unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"requester_id":     requesterID,
		"remaining_budget": remaining,
	})
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, 404, "audit trail not available")
		return
	}
	requesterID := chi.URLParam(r, "requesterID")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			httpx.Error(w, 400, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	events, err := s.Audit.Recent(r.Context(), requesterID, limit)
	if err != nil {
		httpx.Error(w, 503, "audit backend unavailable")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"requester_id": requesterID,
		"events":       events,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		if s.Metrics != nil {
			s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
			s.Metrics.ObserveLatency(r.URL.Path, time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusForDecision(d gateway.Decision) int {
	if d.Approved() {
		return 200
	}
	switch d.Kind {
	case policy.KindRateLimitExceeded, policy.KindBudgetExceeded:
		return 429
	case policy.KindInvalidMetadata:
		return 400
	default:
		return 403
	}
}

// stdoutSecurityLog is the audit fallback for memory deployments.
type stdoutSecurityLog struct{}

func (stdoutSecurityLog) LogSecurityEvent(ctx context.Context, eventType, requesterID, detail, severity string) {
	log.Printf("security event: type=%s severity=%s requester=%s detail=%s", eventType, severity, requesterID, detail)
}

func wsOriginPatterns(raw string) []string { return splitList(raw) }

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
