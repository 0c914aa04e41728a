package recovery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Operation describes a single external call to be executed under
// recovery supervision.
type Operation struct {
	// Name identifies the operation in logs and error events.
	Name string

	// Dependency is the circuit breaker key, e.g. "embedding:tei" or
	// "vectorstore:qdrant".
	Dependency string

	// Kind tells the classifier what the operation was doing when errors
	// carry no type information.
	Kind OpKind

	// Critical operations escalate instead of being skipped when the
	// collection management path fails.
	Critical bool

	// Degradable operations may return a reduced result with an explicit
	// degradation flag instead of failing.
	Degradable bool

	// Do performs the call. Required.
	Do func(ctx context.Context) error

	// Fallback is an alternate path tried when the primary is not
	// recoverable, e.g. a secondary embedding provider or a result cache.
	// Optional.
	Fallback func(ctx context.Context) error
}

// CoordinatorConfig configures the recovery coordinator.
type CoordinatorConfig struct {
	Backoff BackoffConfig `koanf:"backoff"`
	Breaker BreakerConfig `koanf:"breaker"`

	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration `koanf:"call_timeout"`

	// JournalSize bounds the in-memory error event journal.
	JournalSize int `koanf:"journal_size"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *CoordinatorConfig) ApplyDefaults() {
	c.Backoff.ApplyDefaults()
	c.Breaker.ApplyDefaults()
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.JournalSize == 0 {
		c.JournalSize = 1000
	}
}

// Validate checks the configuration for invalid values.
func (c *CoordinatorConfig) Validate() error {
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("backoff: max_attempts must be at least 1, got %d", c.Backoff.MaxAttempts)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive, got %s", c.CallTimeout)
	}
	return nil
}

// Coordinator executes operations against external dependencies with
// failure classification, per-dependency circuit breaking, and strategy
// dispatch. One ErrorEvent is journaled per invocation that observed at
// least one failure.
type Coordinator struct {
	config   CoordinatorConfig
	registry *Registry
	journal  *Journal
	clock    Clock
	logger   *zap.Logger
	tracer   trace.Tracer

	rndMu sync.Mutex
	rnd   *rand.Rand

	// observer, when set, receives every journaled event. Set once during
	// startup, before the coordinator executes anything.
	observer func(ErrorEvent)
}

// NewCoordinator creates a coordinator. A nil clock uses the system
// clock.
func NewCoordinator(config CoordinatorConfig, clock Clock, logger *zap.Logger) *Coordinator {
	config.ApplyDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		config:   config,
		registry: NewRegistry(config.Breaker, clock),
		journal:  NewJournal(config.JournalSize),
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("embedd.recovery"),
		rnd:      rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// Registry exposes the circuit breaker registry for health reporting.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Journal exposes the error event journal.
func (c *Coordinator) Journal() *Journal { return c.journal }

// SetObserver registers a callback invoked for every journaled event,
// e.g. to export event counts as metrics.
func (c *Coordinator) SetObserver(fn func(ErrorEvent)) { c.observer = fn }

// Execute runs op under recovery supervision and returns the outcome.
// The returned Outcome never has an empty status: every failure path
// resolves to recovered, degraded, or escalated.
func (c *Coordinator) Execute(ctx context.Context, op Operation) Outcome {
	ctx, span := c.tracer.Start(ctx, "recovery.execute",
		trace.WithAttributes(
			attribute.String("operation", op.Name),
			attribute.String("dependency", op.Dependency),
		))
	defer span.End()

	breaker := c.registry.Get(op.Dependency)

	if !breaker.Allow() {
		outcome := c.resolveCircuitOpen(ctx, op)
		c.finish(ctx, span, op, outcome, ErrCircuitOpen)
		return outcome
	}

	err := c.attempt(ctx, op.Do)
	if err == nil {
		breaker.RecordSuccess()
		span.SetStatus(codes.Ok, "")
		return Outcome{Status: StatusSucceeded}
	}
	breaker.RecordFailure()

	category := Classify(err, op.Kind)
	strategy := c.strategyFor(category, op)
	outcome := c.dispatch(ctx, op, breaker, category, strategy, err)
	c.finish(ctx, span, op, outcome, err)
	return outcome
}

// strategyFor selects the recovery strategy for a failure category. The
// switch is exhaustive over the closed category set.
func (c *Coordinator) strategyFor(category Category, op Operation) Strategy {
	switch category {
	case CategoryNetwork, CategoryResourceExhaustion:
		return StrategyRetryBackoff
	case CategoryEmbeddingGeneration:
		if op.Fallback != nil {
			return StrategyFallbackProvider
		}
		return StrategyGracefulDegradation
	case CategoryVectorSearch:
		if op.Fallback != nil {
			return StrategyCacheFallback
		}
		return StrategyGracefulDegradation
	case CategoryCollectionManagement:
		if op.Critical {
			return StrategyManualIntervention
		}
		return StrategySkipOperation
	case CategoryAPIKeyValidation, CategoryDataCorruption, CategoryConfigurationValidation:
		return StrategyManualIntervention
	default:
		return StrategyManualIntervention
	}
}

// dispatch executes the chosen strategy and resolves the outcome.
func (c *Coordinator) dispatch(ctx context.Context, op Operation, breaker *Breaker, category Category, strategy Strategy, err error) Outcome {
	outcome := Outcome{Category: category, Strategy: strategy, Attempts: 1, Err: err}

	switch strategy {
	case StrategyRetryBackoff:
		return c.retry(ctx, op, breaker, outcome)

	case StrategyFallbackProvider:
		if ferr := c.attempt(ctx, op.Fallback); ferr == nil {
			outcome.Status = StatusRecovered
			outcome.Err = nil
			return outcome
		}
		return c.degradeOrEscalate(op, outcome)

	case StrategyCacheFallback:
		// A cached result is stale by definition, so even a successful
		// fallback is reported as degraded.
		if ferr := c.attempt(ctx, op.Fallback); ferr == nil {
			outcome.Status = StatusDegraded
			outcome.Err = nil
			return outcome
		}
		return c.degradeOrEscalate(op, outcome)

	case StrategyGracefulDegradation:
		return c.degradeOrEscalate(op, outcome)

	case StrategySkipOperation:
		outcome.Status = StatusDegraded
		return outcome

	case StrategyManualIntervention:
		outcome.Status = StatusEscalated
		return outcome

	default:
		outcome.Status = StatusEscalated
		return outcome
	}
}

// retry re-runs the operation with exponential backoff until it succeeds,
// attempts are exhausted, or the circuit opens.
func (c *Coordinator) retry(ctx context.Context, op Operation, breaker *Breaker, outcome Outcome) Outcome {
	for outcome.Attempts < c.config.Backoff.MaxAttempts {
		delay := c.delay(outcome.Attempts)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			outcome.Err = err
			return c.degradeOrEscalate(op, outcome)
		}

		if !breaker.Allow() {
			outcome.Err = ErrCircuitOpen
			return c.degradeOrEscalate(op, outcome)
		}

		outcome.Attempts++
		err := c.attempt(ctx, op.Do)
		if err == nil {
			breaker.RecordSuccess()
			outcome.Status = StatusRecovered
			outcome.Err = nil
			return outcome
		}
		breaker.RecordFailure()
		outcome.Err = err
	}

	if op.Fallback != nil {
		if ferr := c.attempt(ctx, op.Fallback); ferr == nil {
			outcome.Status = StatusDegraded
			outcome.Err = nil
			return outcome
		}
	}
	return c.degradeOrEscalate(op, outcome)
}

// resolveCircuitOpen handles an invocation rejected by an open circuit.
// Retrying is pointless while the circuit is open, so the operation goes
// straight to its fallback or degraded path.
func (c *Coordinator) resolveCircuitOpen(ctx context.Context, op Operation) Outcome {
	outcome := Outcome{
		Category: CategoryNetwork,
		Strategy: StrategyGracefulDegradation,
		Attempts: 0,
		Err:      ErrCircuitOpen,
	}
	if op.Fallback != nil {
		outcome.Strategy = StrategyCacheFallback
		if ferr := c.attempt(ctx, op.Fallback); ferr == nil {
			outcome.Status = StatusDegraded
			outcome.Err = nil
			return outcome
		}
	}
	return c.degradeOrEscalate(op, outcome)
}

// degradeOrEscalate resolves a terminal failure according to whether the
// operation tolerates a reduced result.
func (c *Coordinator) degradeOrEscalate(op Operation, outcome Outcome) Outcome {
	if op.Degradable {
		outcome.Status = StatusDegraded
	} else {
		outcome.Status = StatusEscalated
	}
	return outcome
}

// attempt runs fn with the per-call timeout applied.
func (c *Coordinator) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("operation has no function to run")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// delay computes the jittered backoff delay before the given retry.
func (c *Coordinator) delay(attempt int) time.Duration {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.config.Backoff.Delay(attempt, c.rnd)
}

// finish journals and logs the resolution of a failed invocation.
func (c *Coordinator) finish(ctx context.Context, span trace.Span, op Operation, outcome Outcome, origErr error) {
	message := ""
	if origErr != nil {
		message = origErr.Error()
	}
	if outcome.Err != nil {
		message = outcome.Err.Error()
	}

	event := ErrorEvent{
		Timestamp:  c.clock.Now(),
		Operation:  op.Name,
		Dependency: op.Dependency,
		Category:   outcome.Category,
		Severity:   severityFor(outcome.Category),
		Strategy:   outcome.Strategy,
		Outcome:    outcome.Status,
		Attempts:   outcome.Attempts,
		Message:    message,
	}
	c.journal.Append(event)
	if c.observer != nil {
		c.observer(event)
	}

	span.SetAttributes(
		attribute.String("category", string(outcome.Category)),
		attribute.String("strategy", string(outcome.Strategy)),
		attribute.String("outcome", string(outcome.Status)),
		attribute.Int("attempts", outcome.Attempts),
	)

	fields := []zap.Field{
		zap.String("operation", op.Name),
		zap.String("dependency", op.Dependency),
		zap.String("category", string(outcome.Category)),
		zap.String("strategy", string(outcome.Strategy)),
		zap.String("outcome", string(outcome.Status)),
		zap.Int("attempts", outcome.Attempts),
	}
	switch outcome.Status {
	case StatusEscalated:
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, string(outcome.Category))
		c.logger.Error("operation escalated", append(fields, zap.Error(outcome.Err))...)
	case StatusDegraded:
		c.logger.Warn("operation degraded", fields...)
	default:
		c.logger.Info("operation recovered", fields...)
	}
}
