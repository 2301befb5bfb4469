package main

import (
	"context"
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
	"statgate/pkg/eventbus"
	"statgate/pkg/gateway"
	"statgate/pkg/hardening"
	"statgate/pkg/httpx"
	"statgate/pkg/metrics"
	"statgate/pkg/policy"
	"statgate/pkg/store"
	"statgate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// decisionSink receives rejected decisions as durable security events.
type decisionSink interface {
	Append(ctx context.Context, ev audit.Event) error
}

// Server consumes the gateway's decision topic and keeps the audit
// trail and anomaly counters current for deployments where the gateway
// itself has no durable store.
type Server struct {
	Sink    decisionSink
	Metrics *metrics.Registry
	bus     eventbus.Consumer
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnA       func(context.Context) (*pgxpool.Pool, error)
	newConsumerFn   func(eventbus.Config) (eventbus.Consumer, error)
	listenFnA       func(*http.Server) error
)

func main() {
	if err := runAuditor(initTelemetryFn, openDBFnA, newConsumerFn, listenFnA); err != nil {
		logFatalf("auditor: %v", err)
	}
}

func runAuditor(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (*pgxpool.Pool, error),
	newConsumer func(eventbus.Config) (eventbus.Consumer, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = store.NewPostgresPool
	}
	if newConsumer == nil {
		newConsumer = func(cfg eventbus.Config) (eventbus.Consumer, error) {
			return eventbus.NewKafkaConsumer(cfg)
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "auditor")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "auditor",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	brokers := env("EVENTBUS_BROKERS", "")
	if brokers == "" {
		return errors.New("EVENTBUS_BROKERS required")
	}
	consumer, err := newConsumer(eventbus.Config{
		Brokers: strings.Split(brokers, ","),
		Topic:   env("EVENTBUS_TOPIC", "statgate.decisions"),
		GroupID: env("EVENTBUS_GROUP_ID", "statgate-auditor"),
	})
	if err != nil {
		return fmt.Errorf("eventbus: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	var sink decisionSink
	if env("STORAGE_BACKEND", "postgres") == "memory" {
		sink = logSink{}
	} else {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		writer := &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		}
		if err := writer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		sink = writer
	}

	s := &Server{
		Sink:    sink,
		Metrics: metrics.NewRegistry(),
		bus:     consumer,
	}
	go s.consumeDecisions(context.Background())

	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("auditor"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "auditor"})
	})
	r.Get("/metrics", s.Metrics.PrometheusHandler())
	r.Get("/metrics.json", s.Metrics.Handler())

	addr := env("ADDR", ":8084")
	log.Printf("auditor listening on %s", addr)
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

func (s *Server) consumeDecisions(ctx context.Context) {
	for {
		msg, err := s.bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("auditor bus read error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		var d gateway.Decision
		if err := json.Unmarshal(msg.Value, &d); err != nil {
			log.Printf("auditor decode error: %v", err)
			continue
		}
		s.recordDecision(ctx, d)
	}
}

// recordDecision counts every verdict; only rejections become audit
// events, approvals are already visible through the budget ledger.
func (s *Server) recordDecision(ctx context.Context, d gateway.Decision) {
	if s.Metrics != nil {
		s.Metrics.IncDecision(string(d.State), d.Kind)
	}
	if d.Approved() || s.Sink == nil {
		return
	}
	meta, _ := json.Marshal(d)
	err := s.Sink.Append(ctx, audit.Event{
		EventType:   d.Kind,
		RequesterID: d.RequesterID,
		Severity:    severityFor(d.Kind),
		Detail:      d.Detail,
		Metadata:    meta,
		CreatedAt:   d.EvaluatedAt,
	})
	if err != nil {
		log.Printf("auditor append failed: kind=%s err=%v", d.Kind, err)
	}
}

func severityFor(kind string) string {
	switch kind {
	case policy.KindReconstructionAttack:
		return "CRITICAL"
	case policy.KindRateLimitExceeded, policy.KindBudgetExceeded:
		return "WARNING"
	default:
		return "INFO"
	}
}

// logSink is the audit fallback for memory deployments.
type logSink struct{}

func (logSink) Append(ctx context.Context, ev audit.Event) error {
	log.Printf("security event: type=%s severity=%s requester=%s detail=%s", ev.EventType, ev.Severity, ev.RequesterID, ev.Detail)
	return nil
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
