// Package executor runs the action of a matched automation rule.
//
// Every call to Execute walks the same gates in order: rule cooldown, hourly
// rule quota, the global action rate limit, action config decoding, sandbox
// mode and the integration's circuit breaker. Only then is the dispatcher
// invoked through the retry loop; a half open trial gets a single attempt.
// Failures raised before the downstream was contacted never count against
// the breaker. Each call writes exactly one ExecutionLog.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conduit/pkg/breaker"
	"github.com/dukex/conduit/pkg/dispatch"
	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/ratelimit"
	"github.com/dukex/conduit/pkg/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCircuitOpen is recorded when the breaker short-circuits a dispatch.
var ErrCircuitOpen = errors.New("circuit open")

// ActionEndpointPrefix namespaces action types inside the rate limiter.
const ActionEndpointPrefix = "action:"

// DefaultCredits is the cost of one successful dispatch per action type.
func DefaultCredits() map[models.ActionType]int {
	return map[models.ActionType]int{
		models.ActionSendMessage:   1,
		models.ActionFireWebhook:   0,
		models.ActionStartCampaign: 1,
	}
}

type Config struct {
	Retry   retry.Policy
	Credits map[models.ActionType]int
}

func DefaultConfig() Config {
	return Config{
		Retry:   retry.DefaultPolicy(),
		Credits: DefaultCredits(),
	}
}

func (c Config) withDefaults() Config {
	if c.Credits == nil {
		c.Credits = DefaultCredits()
	}

	return c
}

// Dependencies are the collaborators of an Executor. Publisher is optional.
type Dependencies struct {
	Rules       persistence.RuleRepository
	Logs        persistence.ExecutionLogRepository
	Limiter     *ratelimit.Limiter
	Breaker     *breaker.Breaker
	Dispatchers *dispatch.Registry
	Publisher   eventbus.EventPublisher
}

type Executor struct {
	deps    Dependencies
	config  Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Executor)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Executor) { e.clock = clock }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

func New(deps Dependencies, config Config, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		deps:   deps,
		config: config.withDefaults(),
		clock:  clockwork.NewRealClock(),
		logger: logger.With("module", "executor"),
		tracer: otelhelper.Noop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs rule against event and returns the log it wrote. Failing to
// persist the log is reported but does not change the outcome.
func (e *Executor) Execute(ctx context.Context, integration *models.Integration, rule *models.AutomationRule, event *models.NormalizedEvent) *models.ExecutionLog {
	start := e.clock.Now()

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "executor.execute",
		attribute.String(otelhelper.IntegrationIDKey, rule.IntegrationID),
		attribute.String(otelhelper.RuleIDKey, rule.ID),
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.ActionTypeKey, string(rule.ActionType)),
	)
	defer span.End()

	entry := &models.ExecutionLog{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		IntegrationID: rule.IntegrationID,
		EventID:       event.ID,
		EventType:     event.Event,
		ActionType:    rule.ActionType,
		CreatedAt:     start,
	}

	e.run(ctx, integration, rule, event, entry)

	entry.DurationMs = e.clock.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.String(otelhelper.ActionResultKey, string(entry.ActionResult)),
		attribute.Int(otelhelper.AttemptsKey, entry.Attempts),
	)

	if entry.ActionResult == models.ResultFailed {
		otelhelper.SetError(span, errors.New(entry.ErrorMessage))
	}

	e.finish(ctx, entry)

	return entry
}

// ExecuteAll runs each rule in order and returns one log per rule.
func (e *Executor) ExecuteAll(ctx context.Context, integration *models.Integration, rules []*models.AutomationRule, event *models.NormalizedEvent) []*models.ExecutionLog {
	logs := make([]*models.ExecutionLog, 0, len(rules))

	for _, rule := range rules {
		logs = append(logs, e.Execute(ctx, integration, rule, event))
	}

	return logs
}

func (e *Executor) run(ctx context.Context, integration *models.Integration, rule *models.AutomationRule, event *models.NormalizedEvent, entry *models.ExecutionLog) {
	logger := e.logger.With("rule_id", rule.ID, "integration_id", rule.IntegrationID, "event_id", event.ID)
	now := e.clock.Now()

	if reason, limited := e.throttled(ctx, rule, now); limited {
		logger.InfoContext(ctx, "rule execution rate limited", "reason", reason)
		entry.ActionResult = models.ResultRateLimited
		entry.ErrorMessage = reason

		return
	}

	cfg, err := models.DecodeActionConfig(rule.ActionType, rule.ActionConfig)
	if err != nil {
		logger.WarnContext(ctx, "invalid action config", "error", err)
		entry.ActionResult = models.ResultFailed
		entry.ErrorMessage = err.Error()

		return
	}

	if integration != nil && integration.Sandbox {
		logger.InfoContext(ctx, "sandbox integration, simulating action")
		entry.ActionResult = models.ResultSimulated
		entry.Payload = map[string]any{"config": cfg}

		return
	}

	dispatcher, err := e.deps.Dispatchers.Get(rule.ActionType)
	if err != nil {
		logger.ErrorContext(ctx, "no dispatcher for action", "error", err)
		entry.ActionResult = models.ResultFailed
		entry.ErrorMessage = err.Error()

		return
	}

	decision := e.deps.Breaker.Allow(ctx, rule.IntegrationID)
	if !decision.Allowed {
		message := fmt.Sprintf("%s for integration %s", ErrCircuitOpen, rule.IntegrationID)
		if decision.RetryAt != nil {
			message += " until " + decision.RetryAt.UTC().Format(time.RFC3339)
		}

		logger.InfoContext(ctx, "circuit open, skipping dispatch", "state", decision.State)
		entry.ActionResult = models.ResultFailed
		entry.ErrorMessage = message

		return
	}

	policy := e.config.Retry
	if decision.State == models.CircuitHalfOpen {
		policy.MaxAttempts = 1
	}

	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WarnContext(ctx, "dispatch attempt failed, retrying",
			"attempt", attempt+1, "delay_ms", delay.Milliseconds(), "error", err)
	}

	request := dispatch.Request{Rule: rule, Event: event, Config: cfg}

	result := retry.Do(ctx, policy, func(ctx context.Context, _ int) (dispatch.Receipt, error) {
		return dispatcher.Dispatch(ctx, request)
	})

	entry.Attempts = result.Attempts
	e.metrics.DeliveryAttempts(string(rule.ActionType), result.Attempts)

	if !result.Success {
		switch {
		case dispatch.IsConfigurationError(result.Err), errors.Is(result.Err, context.Canceled):
			if decision.State == models.CircuitHalfOpen {
				e.deps.Breaker.ReleaseTrial(ctx, rule.IntegrationID)
			}
		default:
			e.deps.Breaker.RecordFailure(ctx, rule.IntegrationID)
		}

		logger.WarnContext(ctx, "dispatch failed", "attempts", result.Attempts, "error", result.Err)
		entry.ActionResult = models.ResultFailed
		entry.ErrorMessage = result.Err.Error()

		return
	}

	e.deps.Breaker.RecordSuccess(ctx, rule.IntegrationID)

	if err := e.deps.Rules.RecordExecution(ctx, rule.ID, now); err != nil {
		logger.ErrorContext(ctx, "failed to record rule execution", "error", err)
	}

	entry.ActionResult = models.ResultSuccess
	entry.CreditsConsumed = e.config.Credits[rule.ActionType]
	entry.Payload = receiptPayload(result.Data)

	logger.InfoContext(ctx, "action dispatched", "attempts", result.Attempts, "reference", result.Data.Reference)
}

// throttled checks the rule cooldown, the hourly rule quota and the global
// action rate limit, in that order.
func (e *Executor) throttled(ctx context.Context, rule *models.AutomationRule, now time.Time) (string, bool) {
	if rule.CooldownMinutes > 0 && rule.LastExecutedAt != nil {
		until := rule.LastExecutedAt.Add(time.Duration(rule.CooldownMinutes) * time.Minute)
		if now.Before(until) {
			return "cooldown active until " + until.UTC().Format(time.RFC3339), true
		}
	}

	if rule.MaxExecutionsPerHour > 0 {
		count, err := e.deps.Logs.CountSuccessfulSince(ctx, rule.ID, now.Add(-time.Hour))
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to count recent executions, allowing", "rule_id", rule.ID, "error", err)
		} else if count >= rule.MaxExecutionsPerHour {
			return fmt.Sprintf("hourly execution limit reached (%d/%d)", count, rule.MaxExecutionsPerHour), true
		}
	}

	if e.deps.Limiter != nil {
		limit := e.deps.Limiter.Check(ctx, rule.IntegrationID, ActionEndpointPrefix+string(rule.ActionType),
			e.deps.Limiter.RuleFor(ratelimit.ClassAction))
		if !limit.Allowed {
			return fmt.Sprintf("action rate limit exceeded, retry after %ds", limit.RetryAfterSeconds), true
		}
	}

	return "", false
}

func (e *Executor) finish(ctx context.Context, entry *models.ExecutionLog) {
	if err := e.deps.Logs.Save(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "failed to save execution log", "rule_id", entry.RuleID, "log_id", entry.ID, "error", err)
	}

	e.metrics.Execution(string(entry.ActionType), string(entry.ActionResult))

	if e.deps.Publisher == nil {
		return
	}

	executed := events.RuleExecuted{
		BaseEvent:     events.NewBaseEvent(events.RuleExecutedEvent),
		RuleID:        entry.RuleID,
		IntegrationID: entry.IntegrationID,
		EventID:       entry.EventID,
		ActionType:    entry.ActionType,
		Result:        entry.ActionResult,
		Error:         entry.ErrorMessage,
		Attempts:      entry.Attempts,
	}

	if err := e.deps.Publisher.Publish(ctx, entry.IntegrationID, executed); err != nil {
		e.logger.WarnContext(ctx, "failed to publish rule executed event", "rule_id", entry.RuleID, "error", err)
	}
}

func receiptPayload(receipt dispatch.Receipt) map[string]any {
	payload := map[string]any{}

	if receipt.Reference != "" {
		payload["reference"] = receipt.Reference
	}

	if receipt.StatusCode != 0 {
		payload["statusCode"] = receipt.StatusCode
	}

	return payload
}
