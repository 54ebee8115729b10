package executor_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/conduit/pkg/breaker"
	"github.com/dukex/conduit/pkg/dispatch"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/executor"
	"github.com/dukex/conduit/pkg/mocks"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence/file"
	"github.com/dukex/conduit/pkg/ratelimit"
	"github.com/dukex/conduit/pkg/retry"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	executor *executor.Executor
	rules    *file.RuleRepository
	logs     *file.ExecutionLogRepository
	breaker  *breaker.Breaker
	clock    *clockwork.FakeClock
	bus      *mocks.MockEventBus
	registry *dispatch.Registry
	calls    int
	reply    func(attempt int) (dispatch.Receipt, error)
}

func newHarness(t *testing.T, limiterOpts ...ratelimit.Option) *harness {
	t.Helper()

	root := t.TempDir()
	clock := clockwork.NewFakeClockAt(now)

	h := &harness{
		rules: file.NewRuleRepository(root),
		logs:  file.NewExecutionLogRepository(root),
		clock: clock,
		bus:   &mocks.MockEventBus{},
		reply: func(int) (dispatch.Receipt, error) {
			return dispatch.Receipt{Reference: "ref-1", StatusCode: 201}, nil
		},
	}

	h.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h.breaker = breaker.New(file.NewBreakerRepository(root), breaker.Config{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
		Growth:           breaker.GrowthFixed,
	}, slog.Default(), breaker.WithClock(clock))

	limiter := ratelimit.New(file.NewRateLimitRepository(root), slog.Default(),
		append([]ratelimit.Option{ratelimit.WithClock(clock)}, limiterOpts...)...)

	fake := dispatch.DispatcherFunc(func(_ context.Context, _ dispatch.Request) (dispatch.Receipt, error) {
		attempt := h.calls
		h.calls++

		return h.reply(attempt)
	})

	h.registry = dispatch.NewRegistry()
	h.registry.Register(models.ActionSendMessage, fake)
	h.registry.Register(models.ActionFireWebhook, fake)

	h.executor = executor.New(executor.Dependencies{
		Rules:       h.rules,
		Logs:        h.logs,
		Limiter:     limiter,
		Breaker:     h.breaker,
		Dispatchers: h.registry,
		Publisher:   h.bus,
	}, executor.Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			Jitter:      func(time.Duration) time.Duration { return 0 },
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	}, slog.Default(), executor.WithClock(clock))

	return h
}

func (h *harness) rule(t *testing.T, mutate func(*models.AutomationRule)) *models.AutomationRule {
	t.Helper()

	rule := &models.AutomationRule{
		ID:            "rule-1",
		IntegrationID: "int-1",
		Name:          "Thank buyers",
		EventType:     models.EventOrderPaid,
		IsActive:      true,
		ActionType:    models.ActionSendMessage,
		ActionConfig:  map[string]any{"instanceId": "inst-1", "text": "Obrigado!"},
		CreatedAt:     now.Add(-24 * time.Hour),
	}

	if mutate != nil {
		mutate(rule)
	}

	require.NoError(t, h.rules.Save(context.Background(), rule))

	return rule
}

func (h *harness) logsOf(t *testing.T, ruleID string) []*models.ExecutionLog {
	t.Helper()

	logs, err := h.logs.ListByRule(context.Background(), ruleID, 0)
	require.NoError(t, err)

	return logs
}

func integration() *models.Integration {
	return &models.Integration{ID: "int-1", Provider: models.ProviderShopify}
}

func event() *models.NormalizedEvent {
	return &models.NormalizedEvent{
		ID:            "evt-1",
		IntegrationID: "int-1",
		Event:         models.EventOrderPaid,
		Customer:      models.Customer{Phone: "+5511999990000"},
	}
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t)
	rule := h.rule(t, nil)

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultSuccess, log.ActionResult)
	assert.Equal(t, 1, log.Attempts)
	assert.Equal(t, 1, log.CreditsConsumed)
	assert.Empty(t, log.ErrorMessage)
	assert.Equal(t, "ref-1", log.Payload["reference"])
	assert.Equal(t, 1, h.calls)

	stored, err := h.rules.GetByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ExecutionCount)
	require.NotNil(t, stored.LastExecutedAt)
	assert.True(t, now.Equal(*stored.LastExecutedAt))

	logs := h.logsOf(t, rule.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, log.ID, logs[0].ID)

	published := h.bus.Published()
	require.Len(t, published, 1)

	executed := published[0].(events.RuleExecuted)
	assert.Equal(t, models.ResultSuccess, executed.Result)
	assert.Equal(t, "evt-1", executed.EventID)
}

func TestExecute_WebhookConsumesNoCredits(t *testing.T) {
	h := newHarness(t)
	rule := h.rule(t, func(r *models.AutomationRule) {
		r.ActionType = models.ActionFireWebhook
		r.ActionConfig = map[string]any{"url": "https://hooks.example.com/paid"}
	})

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultSuccess, log.ActionResult)
	assert.Equal(t, 0, log.CreditsConsumed)
}

func TestExecute_Cooldown(t *testing.T) {
	h := newHarness(t)
	last := now.Add(-5 * time.Minute)
	rule := h.rule(t, func(r *models.AutomationRule) {
		r.CooldownMinutes = 10
		r.LastExecutedAt = &last
	})

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultRateLimited, log.ActionResult)
	assert.Contains(t, log.ErrorMessage, "cooldown")
	assert.Equal(t, 0, log.CreditsConsumed)
	assert.Zero(t, h.calls)
	assert.Len(t, h.logsOf(t, rule.ID), 1)
}

func TestExecute_CooldownElapsed(t *testing.T) {
	h := newHarness(t)
	last := now.Add(-11 * time.Minute)
	rule := h.rule(t, func(r *models.AutomationRule) {
		r.CooldownMinutes = 10
		r.LastExecutedAt = &last
	})

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultSuccess, log.ActionResult)
}

func TestExecute_HourlyQuota(t *testing.T) {
	h := newHarness(t)
	rule := h.rule(t, func(r *models.AutomationRule) { r.MaxExecutionsPerHour = 2 })

	for i := range 2 {
		require.NoError(t, h.logs.Save(context.Background(), &models.ExecutionLog{
			ID:           fmt.Sprintf("old-%d", i),
			RuleID:       rule.ID,
			ActionResult: models.ResultSuccess,
			CreatedAt:    now.Add(-10 * time.Minute),
		}))
	}

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultRateLimited, log.ActionResult)
	assert.Contains(t, log.ErrorMessage, "hourly execution limit reached (2/2)")
	assert.Zero(t, h.calls)
}

func TestExecute_HourlyQuotaIgnoresOlderExecutions(t *testing.T) {
	h := newHarness(t)
	rule := h.rule(t, func(r *models.AutomationRule) { r.MaxExecutionsPerHour = 1 })

	require.NoError(t, h.logs.Save(context.Background(), &models.ExecutionLog{
		ID:           "old",
		RuleID:       rule.ID,
		ActionResult: models.ResultSuccess,
		CreatedAt:    now.Add(-61 * time.Minute),
	}))

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultSuccess, log.ActionResult)
}

func TestExecute_HourlyQuotaCountFailureFailsOpen(t *testing.T) {
	h := newHarness(t)
	rule := h.rule(t, func(r *models.AutomationRule) { r.MaxExecutionsPerHour = 1 })

	logs := &mocks.MockExecutionLogRepository{}
	logs.On("CountSuccessfulSince", mock.Anything, rule.ID, mock.Anything).Return(0, errors.New("db down"))
	logs.On("Save", mock.Anything, mock.Anything).Return(nil)

	exec := executor.New(executor.Dependencies{
		Rules:   h.rules,
		Logs:    logs,
		Breaker: h.breaker,
		Dispatchers: registryWith(dispatch.DispatcherFunc(func(context.Context, dispatch.Request) (dispatch.Receipt, error) {
			return dispatch.Receipt{}, nil
		})),
	}, executor.Config{}, slog.Default(), executor.WithClock(h.clock))

	log := exec.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultSuccess, log.ActionResult)
	logs.AssertNumberOfCalls(t, "Save", 1)
}

func TestExecute_ActionRateLimit(t *testing.T) {
	h := newHarness(t, ratelimit.WithRule(ratelimit.ClassAction, ratelimit.Rule{Limit: 1, Window: time.Minute}))
	rule := h.rule(t, nil)

	first := h.executor.Execute(context.Background(), integration(), rule, event())
	second := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultSuccess, first.ActionResult)
	assert.Equal(t, models.ResultRateLimited, second.ActionResult)
	assert.Contains(t, second.ErrorMessage, "retry after 60s")
	assert.Equal(t, 1, h.calls)

	h.clock.Advance(time.Minute + time.Second)

	third := h.executor.Execute(context.Background(), integration(), rule, event())
	assert.Equal(t, models.ResultSuccess, third.ActionResult)
	assert.Len(t, h.logsOf(t, rule.ID), 3)
}

func TestExecute_InvalidConfigDoesNotTouchBreaker(t *testing.T) {
	h := newHarness(t)
	rule := h.rule(t, func(r *models.AutomationRule) {
		r.ActionConfig = map[string]any{"text": "missing instance"}
	})

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultFailed, log.ActionResult)
	assert.Contains(t, log.ErrorMessage, "InstanceID")
	assert.Zero(t, h.calls)

	state, err := h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state.Status)
	assert.Zero(t, state.FailureCount)
}

func TestExecute_SandboxSimulates(t *testing.T) {
	h := newHarness(t)
	rule := h.rule(t, nil)

	sandbox := integration()
	sandbox.Sandbox = true

	log := h.executor.Execute(context.Background(), sandbox, rule, event())

	assert.Equal(t, models.ResultSimulated, log.ActionResult)
	assert.Equal(t, 0, log.CreditsConsumed)
	assert.Zero(t, h.calls)

	stored, err := h.rules.GetByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ExecutionCount)
}

func TestExecute_TransientFailureIsRetriedThenTripsBreaker(t *testing.T) {
	h := newHarness(t)
	h.reply = func(int) (dispatch.Receipt, error) {
		return dispatch.Receipt{}, errors.New("connection reset by peer")
	}

	rule := h.rule(t, nil)

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultFailed, log.ActionResult)
	assert.Equal(t, 3, log.Attempts)
	assert.Equal(t, 3, h.calls)
	assert.Contains(t, log.ErrorMessage, "connection reset")

	state, err := h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitOpen, state.Status)

	stored, err := h.rules.GetByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ExecutionCount)
}

func TestExecute_OpenCircuitFastFails(t *testing.T) {
	h := newHarness(t)
	h.reply = func(int) (dispatch.Receipt, error) {
		return dispatch.Receipt{}, errors.New("gateway timeout")
	}

	rule := h.rule(t, nil)

	h.executor.Execute(context.Background(), integration(), rule, event())
	require.Equal(t, 3, h.calls)

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultFailed, log.ActionResult)
	assert.Contains(t, log.ErrorMessage, "circuit open")
	assert.Zero(t, log.Attempts)
	assert.Equal(t, 3, h.calls)

	state, err := h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.TripCount)
	assert.Len(t, h.logsOf(t, rule.ID), 2)
}

func TestExecute_HalfOpenTrialClosesCircuit(t *testing.T) {
	h := newHarness(t)
	h.reply = func(attempt int) (dispatch.Receipt, error) {
		if attempt < 3 {
			return dispatch.Receipt{}, errors.New("gateway timeout")
		}

		return dispatch.Receipt{Reference: "ok"}, nil
	}

	rule := h.rule(t, nil)

	h.executor.Execute(context.Background(), integration(), rule, event())
	h.clock.Advance(30 * time.Second)

	log := h.executor.Execute(context.Background(), integration(), rule, event())
	assert.Equal(t, models.ResultSuccess, log.ActionResult)

	state, err := h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state.Status)
	assert.Zero(t, state.FailureCount)
}

func TestExecute_HalfOpenTrialIsSingleAttempt(t *testing.T) {
	h := newHarness(t)
	h.reply = func(int) (dispatch.Receipt, error) {
		return dispatch.Receipt{}, errors.New("gateway timeout")
	}

	rule := h.rule(t, nil)

	h.executor.Execute(context.Background(), integration(), rule, event())
	require.Equal(t, 3, h.calls)

	h.clock.Advance(30 * time.Second)

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultFailed, log.ActionResult)
	assert.Equal(t, 1, log.Attempts)
	assert.Equal(t, 4, h.calls)

	state, err := h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitOpen, state.Status)
	assert.Equal(t, 2, state.TripCount)
}

func TestExecute_MissingRecipientDoesNotTripBreaker(t *testing.T) {
	h := newHarness(t)

	gatewayCalls := 0
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gatewayCalls++

		w.WriteHeader(http.StatusCreated)
	}))
	defer gateway.Close()

	store := file.NewConfigStore(t.TempDir())
	require.NoError(t, store.Set(context.Background(), dispatch.GatewayURLKey, gateway.URL))
	require.NoError(t, store.Set(context.Background(), dispatch.GatewayKeyKey, "secret"))
	h.registry.Register(models.ActionSendMessage, dispatch.NewMessageDispatcher(store, nil, gateway.Client(), slog.Default()))

	rule := h.rule(t, nil)
	noPhone := &models.NormalizedEvent{ID: "evt-2", IntegrationID: "int-1", Event: models.EventOrderPaid}

	for range 5 {
		log := h.executor.Execute(context.Background(), integration(), rule, noPhone)

		assert.Equal(t, models.ResultFailed, log.ActionResult)
		assert.Equal(t, "message has no recipient", log.ErrorMessage)
		assert.Equal(t, 1, log.Attempts)
	}

	state, err := h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state.Status)
	assert.Zero(t, state.FailureCount)

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultSuccess, log.ActionResult)
	assert.Equal(t, 1, gatewayCalls)
}

func TestExecute_ConfigurationFailureReleasesTrial(t *testing.T) {
	h := newHarness(t)
	h.reply = func(attempt int) (dispatch.Receipt, error) {
		switch {
		case attempt < 3:
			return dispatch.Receipt{}, errors.New("gateway timeout")
		case attempt == 3:
			return dispatch.Receipt{}, dispatch.Misconfigured(dispatch.ErrGatewayNotConfigured)
		default:
			return dispatch.Receipt{Reference: "ok"}, nil
		}
	}

	rule := h.rule(t, nil)

	h.executor.Execute(context.Background(), integration(), rule, event())
	h.clock.Advance(30 * time.Second)

	log := h.executor.Execute(context.Background(), integration(), rule, event())
	assert.Equal(t, models.ResultFailed, log.ActionResult)

	state, err := h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitHalfOpen, state.Status)
	assert.Nil(t, state.TrialStartedAt)

	log = h.executor.Execute(context.Background(), integration(), rule, event())
	assert.Equal(t, models.ResultSuccess, log.ActionResult)

	state, err = h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state.Status)
}

func TestExecute_PermanentFailureIsAttemptedOnce(t *testing.T) {
	h := newHarness(t)
	h.reply = func(int) (dispatch.Receipt, error) {
		return dispatch.Receipt{}, &dispatch.StatusError{Service: "messaging gateway", StatusCode: 401}
	}

	rule := h.rule(t, nil)

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultFailed, log.ActionResult)
	assert.Equal(t, 1, log.Attempts)
	assert.Contains(t, log.ErrorMessage, "unauthorized")
}

func TestExecute_MissingDispatcher(t *testing.T) {
	h := newHarness(t)
	rule := h.rule(t, func(r *models.AutomationRule) {
		r.ActionType = models.ActionStartCampaign
		r.ActionConfig = map[string]any{"campaignId": "camp-1"}
	})

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultFailed, log.ActionResult)
	assert.Contains(t, log.ErrorMessage, "not configured")

	state, err := h.breaker.State(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state.Status)
}

func TestExecute_PublishFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t)
	h.bus.ExpectedCalls = nil
	h.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	rule := h.rule(t, nil)

	log := h.executor.Execute(context.Background(), integration(), rule, event())

	assert.Equal(t, models.ResultSuccess, log.ActionResult)
	assert.Len(t, h.logsOf(t, rule.ID), 1)
}

func TestExecuteAll_OneLogPerRule(t *testing.T) {
	h := newHarness(t)
	first := h.rule(t, nil)
	second := h.rule(t, func(r *models.AutomationRule) {
		r.ID = "rule-2"
		r.ActionType = models.ActionFireWebhook
		r.ActionConfig = map[string]any{"url": "not a url"}
	})

	logs := h.executor.ExecuteAll(context.Background(), integration(), []*models.AutomationRule{first, second}, event())

	require.Len(t, logs, 2)
	assert.Equal(t, models.ResultSuccess, logs[0].ActionResult)
	assert.Equal(t, models.ResultFailed, logs[1].ActionResult)
	assert.Len(t, h.logsOf(t, "rule-1"), 1)
	assert.Len(t, h.logsOf(t, "rule-2"), 1)
}

func registryWith(d dispatch.Dispatcher) *dispatch.Registry {
	registry := dispatch.NewRegistry()
	registry.Register(models.ActionSendMessage, d)

	return registry
}
