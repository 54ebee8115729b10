package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

var tables = []string{
	"flows", "instances", "rate_limits", "circuit_breakers", "config_entries",
	"event_mappings", "execution_logs", "automation_rules", "integrations", "schema_migrations",
}

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range tables {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("conduit_test"),
			postgres.WithUsername("conduit"),
			postgres.WithPassword("conduit"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx, databaseURL
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	for _, table := range tables {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	require.NoError(t, p.HealthCheck(ctx))

	// A second start applies nothing.
	again, err := postgresql.NewPersistence(ctx, slog.Default(), databaseURL)
	require.NoError(t, err)
	require.NoError(t, again.Close(ctx))
}

func TestIntegrationRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.IntegrationRepository()

	integration := &models.Integration{
		ID:        "int-1",
		TenantID:  "tenant-1",
		Provider:  models.ProviderShopify,
		Name:      "Store",
		MatchMode: models.MatchAll,
		Sandbox:   true,
		CreatedAt: base,
		UpdatedAt: base,
	}

	require.NoError(t, repo.Save(ctx, integration))

	got, err := repo.GetByID(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, integration, got)

	integration.Name = "Renamed"
	require.NoError(t, repo.Save(ctx, integration))

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Renamed", all[0].Name)

	require.NoError(t, repo.Delete(ctx, "int-1"))

	_, err = repo.GetByID(ctx, "int-1")
	assert.True(t, persistence.IsIntegrationNotFound(err))
	assert.True(t, persistence.IsIntegrationNotFound(repo.Delete(ctx, "int-1")))
}

func TestRuleRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.RuleRepository()

	rules := []*models.AutomationRule{
		{ID: "low", Priority: 1, CreatedAt: base},
		{ID: "high-new", Priority: 5, CreatedAt: base.Add(time.Minute)},
		{ID: "high-old", Priority: 5, CreatedAt: base},
		{ID: "inactive", Priority: 9, CreatedAt: base},
	}

	for _, rule := range rules {
		rule.IntegrationID = "int-1"
		rule.EventType = models.EventOrderPaid
		rule.IsActive = rule.ID != "inactive"
		rule.ActionType = models.ActionSendMessage
		rule.ActionConfig = map[string]any{"instanceId": "inst-1", "text": "hi"}
		rule.Filters = []models.AutomationFilter{{Field: "order.total", Operator: models.OperatorGreaterThan, Value: 100.0}}
		rule.UpdatedAt = base

		require.NoError(t, repo.Save(ctx, rule))
	}

	active, err := repo.ActiveRules(ctx, "int-1", models.EventOrderPaid)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []string{"high-old", "high-new", "low"}, []string{active[0].ID, active[1].ID, active[2].ID})
	assert.Equal(t, "order.total", active[0].Filters[0].Field)
	assert.Equal(t, "inst-1", active[0].ActionConfig["instanceId"])

	listed, err := repo.ListByIntegration(ctx, "int-1")
	require.NoError(t, err)
	assert.Len(t, listed, 4)

	require.NoError(t, repo.RecordExecution(ctx, "low", base.Add(time.Hour)))
	require.NoError(t, repo.RecordExecution(ctx, "low", base.Add(2*time.Hour)))

	low, err := repo.GetByID(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, int64(2), low.ExecutionCount)
	require.NotNil(t, low.LastExecutedAt)
	assert.True(t, base.Add(2*time.Hour).Equal(*low.LastExecutedAt))

	// Editing a rule keeps its execution counters.
	low.Name = "edited"
	low.ExecutionCount = 0
	require.NoError(t, repo.Save(ctx, low))

	low, err = repo.GetByID(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, int64(2), low.ExecutionCount)

	assert.True(t, persistence.IsRuleNotFound(repo.RecordExecution(ctx, "missing", base)))
	require.NoError(t, repo.Delete(ctx, "low"))

	_, err = repo.GetByID(ctx, "low")
	assert.True(t, persistence.IsRuleNotFound(err))
}

func TestExecutionLogRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ExecutionLogRepository()

	results := []models.ActionResult{models.ResultSuccess, models.ResultFailed, models.ResultSuccess, models.ResultRateLimited}

	for i, result := range results {
		require.NoError(t, repo.Save(ctx, &models.ExecutionLog{
			ID:            "log-" + string(rune('a'+i)),
			RuleID:        "rule-1",
			IntegrationID: "int-1",
			EventID:       "evt-1",
			EventType:     models.EventOrderPaid,
			ActionType:    models.ActionSendMessage,
			ActionResult:  result,
			Attempts:      1,
			DurationMs:    12,
			Payload:       map[string]any{"reference": "ref"},
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, err := repo.ListByRule(ctx, "rule-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "log-d", logs[0].ID)
	assert.Equal(t, "ref", logs[0].Payload["reference"])
	assert.Equal(t, int64(12), logs[0].DurationMs)

	all, err := repo.ListByRule(ctx, "rule-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	count, err := repo.CountSuccessfulSince(ctx, "rule-1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEventMappingsAndConfig(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	mappings, err := p.EventMappingRepository().GetMappings(ctx, models.ProviderHotmart)
	require.NoError(t, err)
	assert.Empty(t, mappings)

	override := map[string]models.NormalizedEventType{"PURCHASE_DELAYED": models.EventPaymentFailed}
	require.NoError(t, p.EventMappingRepository().SaveMappings(ctx, models.ProviderHotmart, override))

	mappings, err = p.EventMappingRepository().GetMappings(ctx, models.ProviderHotmart)
	require.NoError(t, err)
	assert.Equal(t, override, mappings)

	_, err = p.ConfigStore().Get(ctx, "messaging.api_key")
	assert.True(t, persistence.IsConfigNotFound(err))

	require.NoError(t, p.ConfigStore().Set(ctx, "messaging.api_key", "one"))
	require.NoError(t, p.ConfigStore().Set(ctx, "messaging.api_key", "two"))

	value, err := p.ConfigStore().Get(ctx, "messaging.api_key")
	require.NoError(t, err)
	assert.Equal(t, "two", value)
}

func TestBreakerRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.BreakerRepository()

	_, err := repo.Get(ctx, "int-1")
	assert.True(t, persistence.IsBreakerNotFound(err))

	closesAt := base.Add(30 * time.Second)
	state := &models.CircuitBreakerState{
		IntegrationID: "int-1",
		Status:        models.CircuitOpen,
		FailureCount:  5,
		TripCount:     1,
		LastFailureAt: &base,
		OpenedAt:      &base,
		ClosesAt:      &closesAt,
		UpdatedAt:     base,
	}

	require.NoError(t, repo.Save(ctx, state))

	got, err := repo.Get(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	require.NoError(t, repo.Save(ctx, models.NewClosedCircuit("int-1")))

	got, err = repo.Get(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, got.Status)
	assert.Nil(t, got.ClosesAt)
}

func TestRateLimitRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.RateLimitRepository()

	record, err := repo.CurrentWindow(ctx, "int-1", "webhook", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, record)

	first := &models.RateLimitRecord{Identifier: "int-1", Endpoint: "webhook", WindowStart: base, RequestCount: 1}
	require.NoError(t, repo.CreateWindow(ctx, first))

	first.RequestCount = 2
	require.NoError(t, repo.UpdateCount(ctx, first))

	record, err = repo.CurrentWindow(ctx, "int-1", "webhook", base.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 2, record.RequestCount)

	record, err = repo.CurrentWindow(ctx, "int-1", "webhook", base.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, record)

	second := &models.RateLimitRecord{Identifier: "int-1", Endpoint: "webhook", WindowStart: base.Add(2 * time.Minute), RequestCount: 1}
	require.NoError(t, repo.CreateWindow(ctx, second))

	record, err = repo.CurrentWindow(ctx, "int-1", "webhook", base.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, second.WindowStart.Equal(record.WindowStart))
	assert.Equal(t, 1, record.RequestCount)
}

func TestInstanceRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.InstanceRepository()

	old := base.Add(-10 * time.Minute)
	instances := []*models.InstanceLivenessRecord{
		{ID: "stale", Status: models.InstanceConnected, EffectiveStatus: models.InstanceConnected, LastHeartbeat: &old, UpdatedAt: base},
		{ID: "fresh", Status: models.InstanceConnected, EffectiveStatus: models.InstanceConnected, LastHeartbeat: &base, UpdatedAt: base},
		{ID: "new", Status: models.InstanceConnected, EffectiveStatus: models.InstanceConnected, UpdatedAt: base},
		{ID: "off", Status: models.InstanceDisconnected, EffectiveStatus: models.InstanceDisconnected, LastHeartbeat: &old, UpdatedAt: base},
	}

	for _, instance := range instances {
		require.NoError(t, repo.Save(ctx, instance))
	}

	cutoff := base.Add(-3 * time.Minute)

	stale, err := repo.ListStaleConnected(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].ID)

	updated, err := repo.MarkStaleDisconnected(ctx, "stale", cutoff)
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = repo.MarkStaleDisconnected(ctx, "stale", cutoff)
	require.NoError(t, err)
	assert.False(t, updated)

	updated, err = repo.MarkStaleDisconnected(ctx, "new", cutoff)
	require.NoError(t, err)
	assert.False(t, updated)

	_, err = repo.MarkStaleDisconnected(ctx, "missing", cutoff)
	assert.True(t, persistence.IsInstanceNotFound(err))

	stale, err = repo.ListStaleConnected(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// A newer heartbeat revives the instance, an older one is ignored.
	applied, err := repo.RecordHeartbeat(ctx, "stale", base)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.RecordHeartbeat(ctx, "stale", old)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := repo.GetByID(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceConnected, got.EffectiveStatus)
	assert.True(t, base.Equal(*got.LastHeartbeat))

	_, err = repo.RecordHeartbeat(ctx, "missing", base)
	assert.True(t, persistence.IsInstanceNotFound(err))

	require.NoError(t, repo.UpdateEffectiveStatus(ctx, "fresh", models.InstanceDisconnected))

	got, err = repo.GetByID(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceDisconnected, got.EffectiveStatus)
	assert.True(t, persistence.IsInstanceNotFound(repo.UpdateEffectiveStatus(ctx, "missing", models.InstanceConnected)))
}

func TestFlowRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.FlowRepository()

	flow := &models.Flow{
		ID:       "flow-1",
		TenantID: "tenant-1",
		Name:     "Welcome",
		Nodes: []models.FlowNode{
			{ID: "t", Type: "trigger", Config: map[string]any{"event": "lead_created"}},
			{ID: "m", Type: "message", Config: map[string]any{"text": "hello"}},
		},
		Edges:      []models.FlowEdge{{Source: "t", Target: "m"}},
		Validation: &models.FlowValidation{IsValid: true, Errors: []models.FlowFinding{}, Warnings: []models.FlowFinding{}},
		CreatedAt:  base,
		UpdatedAt:  base,
	}

	require.NoError(t, repo.Save(ctx, flow))
	require.NoError(t, repo.Save(ctx, &models.Flow{ID: "flow-2", TenantID: "tenant-2", CreatedAt: base, UpdatedAt: base}))

	got, err := repo.GetByID(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, flow, got)

	mine, err := repo.GetAll(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := repo.GetAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, repo.Delete(ctx, "flow-1"))
	assert.True(t, persistence.IsFlowNotFound(repo.Delete(ctx, "flow-1")))
}
