// Package matcher selects the automation rules a normalized event triggers.
package matcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Rejection is a candidate rule that will not execute.
type Rejection struct {
	Rule   *models.AutomationRule
	Result models.ActionResult
	Reason string
}

type Outcome struct {
	Matched  []*models.AutomationRule
	Rejected []Rejection
}

type Matcher struct {
	rules         persistence.RuleRepository
	logs          persistence.ExecutionLogRepository
	trackFiltered bool
	clock         clockwork.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Option func(*Matcher)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Matcher) { m.clock = clock }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Matcher) { m.metrics = mt }
}

// WithFilteredTracking controls whether rules that do not match leave a
// filtered execution log. Malformed filters are always logged.
func WithFilteredTracking(track bool) Option {
	return func(m *Matcher) { m.trackFiltered = track }
}

func New(rules persistence.RuleRepository, logs persistence.ExecutionLogRepository, logger *slog.Logger, opts ...Option) *Matcher {
	m := &Matcher{
		rules:         rules,
		logs:          logs,
		trackFiltered: true,
		clock:         clockwork.NewRealClock(),
		logger:        logger.With("module", "matcher"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Match evaluates the active rules of the event's integration and type in
// priority order. In first mode only the first matching rule proceeds and
// the remaining candidates are rejected as superseded.
func (m *Matcher) Match(ctx context.Context, mode models.MatchMode, event *models.NormalizedEvent) (*Outcome, error) {
	candidates, err := m.rules.ActiveRules(ctx, event.IntegrationID, event.Event)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Matched: []*models.AutomationRule{}, Rejected: []Rejection{}}
	if len(candidates) == 0 {
		return outcome, nil
	}

	doc, err := event.Document()
	if err != nil {
		return nil, err
	}

	for _, rule := range candidates {
		if mode != models.MatchAll && len(outcome.Matched) > 0 {
			outcome.Rejected = append(outcome.Rejected, Rejection{
				Rule:   rule,
				Result: models.ResultFiltered,
				Reason: fmt.Sprintf("superseded by rule %s", outcome.Matched[0].ID),
			})

			continue
		}

		matched, err := Evaluate(rule.Filters, doc)

		switch {
		case err != nil:
			outcome.Rejected = append(outcome.Rejected, Rejection{Rule: rule, Result: models.ResultFailed, Reason: err.Error()})
		case matched:
			outcome.Matched = append(outcome.Matched, rule)
		default:
			outcome.Rejected = append(outcome.Rejected, Rejection{Rule: rule, Result: models.ResultFiltered, Reason: "filters did not match"})
		}
	}

	for _, rejection := range outcome.Rejected {
		m.record(ctx, event, rejection)
	}

	m.logger.DebugContext(ctx, "matched rules",
		"event_id", event.ID,
		"integration_id", event.IntegrationID,
		"candidates", len(candidates),
		"matched", len(outcome.Matched),
	)

	return outcome, nil
}

func (m *Matcher) record(ctx context.Context, event *models.NormalizedEvent, rejection Rejection) {
	if rejection.Result == models.ResultFiltered && !m.trackFiltered {
		return
	}

	if rejection.Result == models.ResultFailed {
		m.logger.WarnContext(ctx, "rule has a malformed filter", "rule_id", rejection.Rule.ID, "error", rejection.Reason)
	}

	m.metrics.Execution(string(rejection.Rule.ActionType), string(rejection.Result))

	err := m.logs.Save(ctx, &models.ExecutionLog{
		ID:            uuid.NewString(),
		RuleID:        rejection.Rule.ID,
		IntegrationID: event.IntegrationID,
		EventID:       event.ID,
		EventType:     event.Event,
		ActionType:    rejection.Rule.ActionType,
		ActionResult:  rejection.Result,
		ErrorMessage:  rejection.Reason,
		CreatedAt:     m.clock.Now(),
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to write execution log", "rule_id", rejection.Rule.ID, "error", err)
	}
}
