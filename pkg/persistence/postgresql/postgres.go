// Package postgresql provides the PostgreSQL persistence backend.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	integrations *IntegrationRepository
	rules        *RuleRepository
	logs         *ExecutionLogRepository
	mappings     *EventMappingRepository
	config       *ConfigStore
	breakers     *BreakerRepository
	rateLimits   *RateLimitRepository
	instances    *InstanceRepository
	flows        *FlowRepository
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence connects to databaseURL and brings the schema up to date.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	err = sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:           database,
		logger:       logger,
		integrations: &IntegrationRepository{db: database, logger: logger},
		rules:        &RuleRepository{db: database, logger: logger},
		logs:         &ExecutionLogRepository{db: database, logger: logger},
		mappings:     &EventMappingRepository{db: database},
		config:       &ConfigStore{db: database},
		breakers:     &BreakerRepository{db: database},
		rateLimits:   &RateLimitRepository{db: database},
		instances:    &InstanceRepository{db: database, logger: logger},
		flows:        &FlowRepository{db: database, logger: logger},
	}, nil
}

func (p *Persistence) IntegrationRepository() persistence.IntegrationRepository {
	return p.integrations
}

func (p *Persistence) RuleRepository() persistence.RuleRepository {
	return p.rules
}

func (p *Persistence) ExecutionLogRepository() persistence.ExecutionLogRepository {
	return p.logs
}

func (p *Persistence) EventMappingRepository() persistence.EventMappingRepository {
	return p.mappings
}

func (p *Persistence) ConfigStore() persistence.ConfigStore {
	return p.config
}

func (p *Persistence) BreakerRepository() persistence.BreakerRepository {
	return p.breakers
}

func (p *Persistence) RateLimitRepository() persistence.RateLimitRepository {
	return p.rateLimits
}

func (p *Persistence) InstanceRepository() persistence.InstanceRepository {
	return p.instances
}

func (p *Persistence) FlowRepository() persistence.FlowRepository {
	return p.flows
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	value := t.Time.UTC()

	return &value
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalJSON(value any, what string) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", what, err)
	}

	return data, nil
}

func unmarshalJSON(data []byte, target any, what string) error {
	if len(data) == 0 {
		return nil
	}

	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}

	return nil
}

// affected reports whether an exec changed any row.
func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return n > 0, nil
}
