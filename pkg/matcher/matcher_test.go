package matcher_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/conduit/pkg/matcher"
	"github.com/dukex/conduit/pkg/mocks"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func paidEvent() *models.NormalizedEvent {
	return &models.NormalizedEvent{
		ID:            "evt-1",
		IntegrationID: "int-1",
		Provider:      models.ProviderShopify,
		Event:         models.EventOrderPaid,
		ExternalID:    "1001",
		Customer:      models.Customer{Name: "Ana Souza", Phone: "+5511999990000", Email: "ana@example.com"},
		Order: &models.Order{
			ID:       "1001",
			Total:    249.9,
			Currency: "BRL",
			Status:   "paid",
			Items:    []models.OrderItem{{Name: "Yoga Mat", Quantity: 1, Price: 249.9}},
		},
		Metadata:   map[string]any{"tags": []any{"vip", "newsletter"}, "channel": "web", "score": "42"},
		ReceivedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func document(t *testing.T) map[string]any {
	t.Helper()

	doc, err := paidEvent().Document()
	require.NoError(t, err)

	return doc
}

func TestResolve(t *testing.T) {
	doc := document(t)

	value, ok := matcher.Resolve(doc, "order.total")
	assert.True(t, ok)
	assert.InDelta(t, 249.9, value, 0.0001)

	value, ok = matcher.Resolve(doc, "order.items.0.name")
	assert.True(t, ok)
	assert.Equal(t, "Yoga Mat", value)

	_, ok = matcher.Resolve(doc, "order.items.3.name")
	assert.False(t, ok)

	_, ok = matcher.Resolve(doc, "metadata.missing")
	assert.False(t, ok)

	_, ok = matcher.Resolve(doc, "customer.name.first")
	assert.False(t, ok)
}

func TestEvaluateFilter(t *testing.T) {
	doc := document(t)

	tests := []struct {
		name     string
		field    string
		operator models.FilterOperator
		value    any
		expected bool
	}{
		{"equals string", "order.currency", models.OperatorEquals, "BRL", true},
		{"equals number", "order.total", models.OperatorEquals, 249.9, true},
		{"equals numeric string", "metadata.score", models.OperatorEquals, 42, true},
		{"equals mismatch", "order.currency", models.OperatorEquals, "USD", false},
		{"not equals", "order.currency", models.OperatorNotEquals, "USD", true},
		{"contains is case insensitive", "customer.name", models.OperatorContains, "souza", true},
		{"contains list element", "metadata.tags", models.OperatorContains, "vip", true},
		{"not contains", "customer.email", models.OperatorNotContains, "gmail", true},
		{"greater than", "order.total", models.OperatorGreaterThan, 100, true},
		{"greater than numeric string", "order.total", models.OperatorGreaterThan, "300", false},
		{"less than", "order.total", models.OperatorLessThan, 250, true},
		{"numeric comparison fails closed", "order.currency", models.OperatorGreaterThan, 1, false},
		{"in", "metadata.channel", models.OperatorIn, []any{"web", "app"}, true},
		{"in comma string", "metadata.channel", models.OperatorIn, "app, web", true},
		{"not in", "metadata.channel", models.OperatorNotIn, []any{"pos"}, true},
		{"undefined equals", "metadata.missing", models.OperatorEquals, "x", false},
		{"undefined contains", "metadata.missing", models.OperatorContains, "x", false},
		{"undefined greater than", "metadata.missing", models.OperatorGreaterThan, 1, false},
		{"undefined not contains", "metadata.missing", models.OperatorNotContains, "x", false},
		{"undefined not equals", "metadata.missing", models.OperatorNotEquals, "x", true},
		{"undefined not in", "metadata.missing", models.OperatorNotIn, []any{"x"}, true},
		{"undefined not equals null", "metadata.missing", models.OperatorNotEquals, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := matcher.EvaluateFilter(models.AutomationFilter{Field: tt.field, Operator: tt.operator, Value: tt.value}, doc)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
		})
	}
}

func TestEvaluate_MalformedFilterIsAConfigurationError(t *testing.T) {
	_, err := matcher.Evaluate([]models.AutomationFilter{
		{Field: "order.total", Operator: models.OperatorGreaterThan, Value: "lots"},
	}, document(t))

	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
}

func TestEvaluate_NoFiltersAlwaysMatch(t *testing.T) {
	ok, err := matcher.Evaluate(nil, document(t))
	require.NoError(t, err)
	assert.True(t, ok)
}

type fixture struct {
	matcher *matcher.Matcher
	rules   *file.RuleRepository
	logs    *file.ExecutionLogRepository
}

func setupMatcher(t *testing.T, opts ...matcher.Option) fixture {
	t.Helper()

	dir := t.TempDir()
	rules := file.NewRuleRepository(dir)
	logs := file.NewExecutionLogRepository(dir)

	return fixture{matcher: matcher.New(rules, logs, slog.Default(), opts...), rules: rules, logs: logs}
}

func (f fixture) saveRule(t *testing.T, id string, priority int, filters ...models.AutomationFilter) {
	t.Helper()

	require.NoError(t, f.rules.Save(context.Background(), &models.AutomationRule{
		ID:            id,
		IntegrationID: "int-1",
		EventType:     models.EventOrderPaid,
		IsActive:      true,
		Priority:      priority,
		Filters:       filters,
		ActionType:    models.ActionSendMessage,
		ActionConfig:  map[string]any{"instanceId": "inst-1", "text": "Thanks!"},
		CreatedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func ruleIDs(rules []*models.AutomationRule) []string {
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}

	return ids
}

func TestMatcher_FirstModeStopsAtFirstMatch(t *testing.T) {
	ctx := context.Background()
	f := setupMatcher(t)

	f.saveRule(t, "big-orders", 10, models.AutomationFilter{Field: "order.total", Operator: models.OperatorGreaterThan, Value: 1000})
	f.saveRule(t, "vip", 5, models.AutomationFilter{Field: "metadata.tags", Operator: models.OperatorContains, Value: "vip"})
	f.saveRule(t, "everyone", 1)

	outcome, err := f.matcher.Match(ctx, models.MatchFirst, paidEvent())
	require.NoError(t, err)

	assert.Equal(t, []string{"vip"}, ruleIDs(outcome.Matched))
	require.Len(t, outcome.Rejected, 2)
	assert.Equal(t, "big-orders", outcome.Rejected[0].Rule.ID)
	assert.Equal(t, "everyone", outcome.Rejected[1].Rule.ID)
	assert.Contains(t, outcome.Rejected[1].Reason, "superseded")

	for _, id := range []string{"big-orders", "everyone"} {
		logs, err := f.logs.ListByRule(ctx, id, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, models.ResultFiltered, logs[0].ActionResult)
		assert.Equal(t, "evt-1", logs[0].EventID)
	}

	logs, err := f.logs.ListByRule(ctx, "vip", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMatcher_AllModeReturnsEveryMatch(t *testing.T) {
	f := setupMatcher(t)

	f.saveRule(t, "vip", 5, models.AutomationFilter{Field: "metadata.tags", Operator: models.OperatorContains, Value: "vip"})
	f.saveRule(t, "everyone", 1)

	outcome, err := f.matcher.Match(context.Background(), models.MatchAll, paidEvent())
	require.NoError(t, err)

	assert.Equal(t, []string{"vip", "everyone"}, ruleIDs(outcome.Matched))
	assert.Empty(t, outcome.Rejected)
}

func TestMatcher_MalformedFilterIsLoggedAsFailed(t *testing.T) {
	ctx := context.Background()
	f := setupMatcher(t, matcher.WithFilteredTracking(false))

	f.saveRule(t, "broken", 5, models.AutomationFilter{Field: "order.total", Operator: "between", Value: 1})
	f.saveRule(t, "skipped", 3, models.AutomationFilter{Field: "order.currency", Operator: models.OperatorEquals, Value: "USD"})

	outcome, err := f.matcher.Match(ctx, models.MatchFirst, paidEvent())
	require.NoError(t, err)
	assert.Empty(t, outcome.Matched)

	logs, err := f.logs.ListByRule(ctx, "broken", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResultFailed, logs[0].ActionResult)
	assert.Contains(t, logs[0].ErrorMessage, "between")

	logs, err = f.logs.ListByRule(ctx, "skipped", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMatcher_IgnoresOtherEventTypesAndInactiveRules(t *testing.T) {
	ctx := context.Background()
	f := setupMatcher(t)

	require.NoError(t, f.rules.Save(ctx, &models.AutomationRule{
		ID: "inactive", IntegrationID: "int-1", EventType: models.EventOrderPaid, IsActive: false, ActionType: models.ActionSendMessage,
	}))
	require.NoError(t, f.rules.Save(ctx, &models.AutomationRule{
		ID: "abandoned", IntegrationID: "int-1", EventType: models.EventCartAbandoned, IsActive: true, ActionType: models.ActionSendMessage,
	}))

	outcome, err := f.matcher.Match(ctx, models.MatchAll, paidEvent())
	require.NoError(t, err)
	assert.Empty(t, outcome.Matched)
	assert.Empty(t, outcome.Rejected)
}

func TestMatcher_PropagatesRepositoryErrors(t *testing.T) {
	rules := &mocks.MockRuleRepository{}
	rules.On("ActiveRules", mock.Anything, "int-1", models.EventOrderPaid).Return(nil, errors.New("connection refused"))

	m := matcher.New(rules, &mocks.MockExecutionLogRepository{}, slog.Default())

	_, err := m.Match(context.Background(), models.MatchFirst, paidEvent())
	assert.EqualError(t, err, "connection refused")
}
