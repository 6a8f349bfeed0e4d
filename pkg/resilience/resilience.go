package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"secureconnect-calls/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open")

// Policy bounds the retry loop and the breaker thresholds
type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultPolicy is used for signaling publishes when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      5,
		InitialBackoff:   200 * time.Millisecond,
		MaxBackoff:       3 * time.Second,
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
	}
}

// Breaker wraps a remote dependency with bounded exponential retry and a circuit breaker
type Breaker struct {
	name   string
	policy Policy

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

type breakerMetrics struct {
	attemptsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	state         *prometheus.GaugeVec
}

var (
	metricsInstance *breakerMetrics
	metricsOnce     sync.Once
)

func init() {
	metricsOnce.Do(func() {
		metricsInstance = &breakerMetrics{
			attemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_attempts_total",
					Help: "Total number of guarded operation attempts",
				},
				[]string{"breaker", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_errors_total",
					Help: "Total number of guarded operation errors",
				},
				[]string{"breaker", "error_type"},
			),
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "resilience_circuit_breaker_state",
				Help: "State of circuit breaker (0=closed, 1=half_open, 2=open)",
			}, []string{"breaker"}),
		}
		prometheus.MustRegister(metricsInstance.attemptsTotal)
		prometheus.MustRegister(metricsInstance.errorsTotal)
		prometheus.MustRegister(metricsInstance.state)
	})
}

// NewBreaker creates a breaker; zero fields of policy fall back to DefaultPolicy
func NewBreaker(name string, policy Policy) *Breaker {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = def.FailureThreshold
	}
	if policy.Cooldown <= 0 {
		policy.Cooldown = def.Cooldown
	}
	return &Breaker{
		name:   name,
		policy: policy,
		state:  CircuitBreakerClosed,
		sleep:  sleepCtx,
	}
}

// Execute runs fn until it succeeds, the attempts are exhausted, ctx ends or the circuit opens
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := b.policy.InitialBackoff

	for attempt := 1; attempt <= b.policy.MaxAttempts; attempt++ {
		if !b.allow() {
			metricsInstance.attemptsTotal.WithLabelValues(b.name, operation, "rejected").Inc()
			if lastErr != nil {
				return fmt.Errorf("%w: %v", ErrCircuitOpen, lastErr)
			}
			return ErrCircuitOpen
		}

		if attempt > 1 {
			logger.Warn("Retrying guarded operation",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		err := fn(ctx)
		if err == nil {
			b.onSuccess()
			metricsInstance.attemptsTotal.WithLabelValues(b.name, operation, "success").Inc()
			return nil
		}
		lastErr = err
		b.onFailure()
		metricsInstance.attemptsTotal.WithLabelValues(b.name, operation, "failure").Inc()
		metricsInstance.errorsTotal.WithLabelValues(b.name, classifyError(err)).Inc()

		if ctx.Err() != nil || attempt == b.policy.MaxAttempts {
			break
		}
		if err := b.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
		if backoff > b.policy.MaxBackoff {
			backoff = b.policy.MaxBackoff
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s %s cancelled: %w", b.name, operation, ctx.Err())
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", b.name, operation, b.policy.MaxAttempts, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitBreakerOpen {
		return true
	}
	if time.Since(b.openedAt) < b.policy.Cooldown {
		return false
	}
	b.setState(CircuitBreakerHalfOpen)
	return true
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker closed", zap.String("breaker", b.name))
		b.setState(CircuitBreakerClosed)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.policy.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker open",
				zap.String("breaker", b.name),
				zap.Int("consecutive_failures", b.consecutiveFailures),
			)
		}
		b.openedAt = time.Now()
		b.setState(CircuitBreakerOpen)
	}
}

// setState must be called with mu held
func (b *Breaker) setState(s CircuitBreakerState) {
	b.state = s
	var v float64
	switch s {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	metricsInstance.state.WithLabelValues(b.name).Set(v)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classifyError classifies errors for metrics labels
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "closed"):
		return "closed"
	case strings.Contains(errMsg, "no such host"):
		return "dns"
	default:
		return "unknown"
	}
}
