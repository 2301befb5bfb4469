package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"statgate/pkg/budget"
	"statgate/pkg/policy"
	"statgate/pkg/ratelimit"
	"statgate/pkg/similarity"
)

// State is a step in the gate progression. Approved and Rejected are
// terminal.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateMetadataValidated State = "METADATA_VALIDATED"
	StateKAnonymityOK      State = "K_ANONYMITY_OK"
	StateAggregateOpOK     State = "AGGREGATE_OP_OK"
	StateRateLimitOK       State = "RATE_LIMIT_OK"
	StateReconstructionOK  State = "RECONSTRUCTION_OK"
	StateBudgetOK          State = "BUDGET_OK"
	StateApproved          State = "APPROVED"
	StateRejected          State = "REJECTED"
)

// Remediation tells a rejected caller what would make a retry viable.
type Remediation struct {
	RetryAfterSec     int      `json:"retry_after_sec,omitempty"`
	RemainingBudget   *float64 `json:"remaining_budget,omitempty"`
	RemainingRequests *int     `json:"remaining_requests,omitempty"`
}

// Decision is the structured verdict for one evaluation.
type Decision struct {
	ID          string       `json:"id"`
	RequesterID string       `json:"requester_id"`
	State       State        `json:"state"`
	Kind        string       `json:"kind,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	Remediation *Remediation `json:"remediation,omitempty"`
	Trace       []State      `json:"trace"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

func (d Decision) Approved() bool { return d.State == StateApproved }

// Decryptor is the homomorphic-encryption boundary. The gateway only
// moves serialized ciphertexts across it.
type Decryptor interface {
	Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error)
}

// SecurityLog receives structured security events. Implementations
// must tolerate concurrent use.
type SecurityLog interface {
	LogSecurityEvent(ctx context.Context, eventType, requesterID, detail, severity string)
}

// Metrics is the slice of the metrics registry the gateway touches.
type Metrics interface {
	IncDecision(state, kind string)
	ObserveDecryptLatency(d time.Duration)
}

// Config carries the gate thresholds. Zero values select defaults.
type Config struct {
	MinK                int
	MaxRequests         int
	RateWindow          time.Duration
	SimilarityThreshold int
	SimilarityWindow    time.Duration
	DecryptTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinK <= 0 {
		c.MinK = policy.DefaultMinK
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = similarity.DefaultThreshold
	}
	if c.SimilarityWindow <= 0 {
		c.SimilarityWindow = similarity.DefaultWindow
	}
	if c.DecryptTimeout <= 0 {
		c.DecryptTimeout = 30 * time.Second
	}
	return c
}

// Gateway runs every policy gate in a fixed, fail-fast order. A gate
// that succeeds commits its own mutation immediately (a rate-limit
// slot survives a later rejection); budget is only consumed after the
// external decrypt succeeded.
type Gateway struct {
	cfg       Config
	limiter   ratelimit.Limiter
	detector  *similarity.Detector
	ledger    budget.Ledger
	decryptor Decryptor
	keyStore  KeyStore

	securityLog SecurityLog
	metrics     Metrics
	onDecision  func(Decision)

	defaultEpsilon float64
}

// Option configures optional collaborators.
type Option func(*Gateway)

func WithSecurityLog(l SecurityLog) Option   { return func(g *Gateway) { g.securityLog = l } }
func WithMetrics(m Metrics) Option           { return func(g *Gateway) { g.metrics = m } }
func WithDecryptor(d Decryptor) Option       { return func(g *Gateway) { g.decryptor = d } }
func WithOnDecision(fn func(Decision)) Option {
	return func(g *Gateway) { g.onDecision = fn }
}
func WithDefaultEpsilon(eps float64) Option {
	return func(g *Gateway) {
		if eps > 0 {
			g.defaultEpsilon = eps
		}
	}
}

func New(cfg Config, limiter ratelimit.Limiter, detector *similarity.Detector, ledger budget.Ledger, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:            cfg.withDefaults(),
		limiter:        limiter,
		detector:       detector,
		ledger:         ledger,
		defaultEpsilon: 1.0,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Evaluate runs the gate chain for one request and returns a terminal
// decision. No gate after the first failure is evaluated. A non-nil
// error means a backend failed before any verdict was reached; the
// request is retryable and no rejection was recorded.
func (g *Gateway) Evaluate(ctx context.Context, requesterID string, md policy.QueryMetadata) (Decision, error) {
	d := Decision{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Trace:       []State{StateReceived},
		EvaluatedAt: time.Now().UTC(),
	}

	if err := policy.ValidateMetadata(md); err != nil {
		return g.reject(ctx, d, err, nil), nil
	}
	d.Trace = append(d.Trace, StateMetadataValidated)

	if err := policy.CheckKAnonymity(md.SampleSize, g.cfg.MinK); err != nil {
		return g.reject(ctx, d, err, nil), nil
	}
	d.Trace = append(d.Trace, StateKAnonymityOK)

	if err := policy.CheckAggregateOperation(md.Operation); err != nil {
		return g.reject(ctx, d, err, nil), nil
	}
	d.Trace = append(d.Trace, StateAggregateOpOK)

	rate := g.limiter.Allow(requesterID, g.cfg.MaxRequests, g.cfg.RateWindow)
	if !rate.Allowed {
		violation := &policy.RateLimitExceeded{
			Limit:      rate.Limit,
			Window:     g.cfg.RateWindow,
			RetryAfter: rate.RetryAfter,
		}
		zero := 0
		return g.reject(ctx, d, violation, &Remediation{
			RetryAfterSec:     int(rate.RetryAfter.Round(time.Second) / time.Second),
			RemainingRequests: &zero,
		}), nil
	}
	d.Trace = append(d.Trace, StateRateLimitOK)

	if err := g.detector.Detect(requesterID, md, g.cfg.SimilarityThreshold, g.cfg.SimilarityWindow); err != nil {
		return g.reject(ctx, d, err, nil), nil
	}
	d.Trace = append(d.Trace, StateReconstructionOK)

	eps := md.Epsilon
	if eps <= 0 {
		eps = g.defaultEpsilon
	}
	if err := g.ledger.Check(ctx, requesterID, eps); err != nil {
		var exceeded *policy.BudgetExceeded
		if errors.As(err, &exceeded) {
			remaining := exceeded.Remaining
			return g.reject(ctx, d, exceeded, &Remediation{RemainingBudget: &remaining}), nil
		}
		// Backend failure before any verdict: retryable, nothing was
		// recorded against the requester.
		return d, fmt.Errorf("gateway: budget check: %w", err)
	}
	d.Trace = append(d.Trace, StateBudgetOK)

	d.State = StateApproved
	d.Trace = append(d.Trace, StateApproved)
	g.observe(d)
	return d, nil
}

// DecryptResult reports a completed decrypt flow.
type DecryptResult struct {
	Decision    Decision `json:"decision"`
	Plaintext   []byte   `json:"plaintext,omitempty"`
	EpsilonUsed float64  `json:"epsilon_used"`
}

// Decrypt evaluates the request and, if approved, performs the
// external decrypt outside any lock, bounded by the configured
// timeout. Budget is consumed only after the decrypt succeeded, so an
// external failure is retryable without penalty.
func (g *Gateway) Decrypt(ctx context.Context, requesterID string, md policy.QueryMetadata, ciphertext []byte, keyID string) (DecryptResult, error) {
	d, err := g.Evaluate(ctx, requesterID, md)
	if err != nil {
		return DecryptResult{Decision: d}, err
	}
	if !d.Approved() {
		return DecryptResult{Decision: d}, violationFromDecision(d)
	}
	if g.decryptor == nil {
		return DecryptResult{Decision: d}, errors.New("gateway: no decryptor configured")
	}
	if g.keyStore != nil {
		if err := g.keyStore.Available(ctx, keyID); err != nil {
			g.logEvent(ctx, "KEY_UNAVAILABLE", requesterID, err.Error(), "WARNING")
			return DecryptResult{Decision: d}, err
		}
	}

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, g.cfg.DecryptTimeout)
	defer cancel()
	plaintext, err := g.decryptor.Decrypt(dctx, ciphertext, keyID)
	if g.metrics != nil {
		g.metrics.ObserveDecryptLatency(time.Since(start))
	}
	if err != nil {
		g.logEvent(ctx, "DECRYPT_FAILED", requesterID, err.Error(), "ERROR")
		return DecryptResult{Decision: d}, fmt.Errorf("gateway: decrypt: %w", err)
	}

	eps := md.Epsilon
	if eps <= 0 {
		eps = g.defaultEpsilon
	}
	if err := g.ledger.Consume(ctx, requesterID, eps); err != nil {
		g.logEvent(ctx, "BUDGET_CONSUME_FAILED", requesterID, err.Error(), "CRITICAL")
		return DecryptResult{Decision: d}, fmt.Errorf("gateway: consume budget: %w", err)
	}
	g.logEvent(ctx, "DECRYPT_SUCCESS", requesterID,
		fmt.Sprintf("operation=%s field=%s epsilon=%g", md.Operation, md.Field, eps), "INFO")

	return DecryptResult{Decision: d, Plaintext: plaintext, EpsilonUsed: eps}, nil
}

func (g *Gateway) reject(ctx context.Context, d Decision, err error, rem *Remediation) Decision {
	d.State = StateRejected
	var v policy.Violation
	if errors.As(err, &v) {
		d.Kind = v.Kind()
	}
	d.Detail = err.Error()
	d.Remediation = rem
	d.Trace = append(d.Trace, StateRejected)
	g.logEvent(ctx, d.Kind, d.RequesterID, d.Detail, severityFor(d.Kind))
	g.observe(d)
	return d
}

func (g *Gateway) observe(d Decision) {
	if g.metrics != nil {
		g.metrics.IncDecision(string(d.State), d.Kind)
	}
	if g.onDecision != nil {
		g.onDecision(d)
	}
}

func (g *Gateway) logEvent(ctx context.Context, eventType, requesterID, detail, severity string) {
	if g.securityLog != nil {
		g.securityLog.LogSecurityEvent(ctx, eventType, requesterID, detail, severity)
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

// violationFromDecision rebuilds an error for callers that prefer
// error-shaped rejections over inspecting the decision.
func violationFromDecision(d Decision) error {
	return fmt.Errorf("gateway: rejected (%s): %s", d.Kind, d.Detail)
}
