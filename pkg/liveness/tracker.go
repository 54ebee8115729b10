// Package liveness derives the effective status of messaging instances from
// their heartbeats and persists corrections, on read and in a periodic sweep.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	SourceRead  = "read"
	SourceSweep = "sweep"
)

type Config struct {
	StaleThreshold   time.Duration
	SweepConcurrency int
}

func DefaultConfig() Config {
	return Config{
		StaleThreshold:   DefaultStaleThreshold,
		SweepConcurrency: 8,
	}
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}

	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 8
	}

	return c
}

// Instance is a liveness record together with its evaluation.
type Instance struct {
	*models.InstanceLivenessRecord

	HeartbeatAgeSeconds *int64 `json:"heartbeatAgeSeconds"`
	IsStale             bool   `json:"isStale"`
}

// Heartbeat is a liveness signal from a gateway.
type Heartbeat struct {
	InstanceID string
	ObservedAt time.Time
	Status     models.InstanceStatus
}

type SweepResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Updated bool   `json:"updated"`
	Error   string `json:"error,omitempty"`
}

type SweepStats struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

type SweepReport struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Results []SweepResult `json:"results"`
	Stats   SweepStats    `json:"stats"`
}

type Tracker struct {
	store     persistence.InstanceRepository
	publisher eventbus.EventPublisher
	config    Config
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Tracker)

func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithPublisher enables InstanceMarkedDisconnected audit events.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(t *Tracker) { t.publisher = publisher }
}

func New(store persistence.InstanceRepository, config Config, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		config: config.withDefaults(),
		clock:  clockwork.NewRealClock(),
		logger: logger.With("module", "liveness"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Tracker) Config() Config {
	return t.config
}

// Get returns an instance with its evaluated effective status. A stored
// effective status that disagrees with the evaluation is corrected before
// returning; a failed correction is logged and the evaluation still returned.
func (t *Tracker) Get(ctx context.Context, id string) (*Instance, error) {
	record, err := t.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	evaluation := Evaluate(record, now, t.config.StaleThreshold)

	if evaluation.EffectiveStatus != record.EffectiveStatus {
		t.correct(ctx, record, evaluation, now)
	}

	record.EffectiveStatus = evaluation.EffectiveStatus

	return view(record, evaluation), nil
}

func (t *Tracker) correct(ctx context.Context, record *models.InstanceLivenessRecord, evaluation Evaluation, now time.Time) {
	if evaluation.Downgraded(record) {
		updated, err := t.store.MarkStaleDisconnected(ctx, record.ID, now.Add(-t.config.StaleThreshold))
		if err != nil {
			t.logger.ErrorContext(ctx, "failed to persist stale instance", "instance_id", record.ID, "error", err)

			return
		}

		if updated {
			t.corrected(ctx, record, now, SourceRead)
		}

		return
	}

	err := t.store.UpdateEffectiveStatus(ctx, record.ID, evaluation.EffectiveStatus)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to persist effective status", "instance_id", record.ID, "error", err)
	}
}

// ApplyHeartbeat records a heartbeat. Delivery is at least once, so a
// heartbeat not newer than the stored one is a no-op and reports false.
func (t *Tracker) ApplyHeartbeat(ctx context.Context, heartbeat Heartbeat) (bool, error) {
	now := t.clock.Now()

	observedAt := heartbeat.ObservedAt
	if observedAt.IsZero() || observedAt.After(now) {
		observedAt = now
	}

	if heartbeat.Status != "" && heartbeat.Status.IsValid() {
		err := t.applyReportedStatus(ctx, heartbeat.InstanceID, heartbeat.Status, observedAt)
		if err != nil {
			return false, err
		}
	}

	applied, err := t.store.RecordHeartbeat(ctx, heartbeat.InstanceID, observedAt)
	if err != nil {
		return false, err
	}

	if !applied {
		t.logger.DebugContext(ctx, "ignoring out of order heartbeat", "instance_id", heartbeat.InstanceID, "observed_at", observedAt)
	}

	return applied, nil
}

// ReportStatus applies a status reported out of band, such as a gateway
// callback or an operator action.
func (t *Tracker) ReportStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	return t.applyReportedStatus(ctx, id, status, t.clock.Now())
}

func (t *Tracker) applyReportedStatus(ctx context.Context, id string, status models.InstanceStatus, observedAt time.Time) error {
	record, err := t.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if record.Status == status {
		return nil
	}

	if record.LastHeartbeat != nil && !observedAt.After(*record.LastHeartbeat) {
		return nil
	}

	record.Status = status
	record.EffectiveStatus = status
	record.UpdatedAt = observedAt

	return t.store.Save(ctx, record)
}

// HeartbeatHandler consumes InstanceHeartbeat events from the bus.
func (t *Tracker) HeartbeatHandler() eventbus.EventHandler {
	return func(ctx context.Context, event any) error {
		heartbeat, ok := event.(*events.InstanceHeartbeat)
		if !ok {
			return nil
		}

		_, err := t.ApplyHeartbeat(ctx, Heartbeat{
			InstanceID: heartbeat.InstanceID,
			ObservedAt: heartbeat.ObservedAt,
			Status:     heartbeat.Status,
		})
		if persistence.IsInstanceNotFound(err) {
			t.logger.WarnContext(ctx, "heartbeat for unknown instance", "instance_id", heartbeat.InstanceID)

			return nil
		}

		return err
	}
}

// Sweep marks every stale connected instance disconnected. One failing record
// does not stop the others.
func (t *Tracker) Sweep(ctx context.Context) SweepReport {
	started := t.clock.Now()
	cutoff := started.Add(-t.config.StaleThreshold)

	defer func() {
		t.metrics.SweepDuration(t.clock.Since(started).Seconds())
	}()

	candidates, err := t.store.ListStaleConnected(ctx, cutoff)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to list stale instances", "error", err)

		return SweepReport{Success: false, Error: err.Error(), Results: []SweepResult{}}
	}

	results := make([]SweepResult, len(candidates))

	var group errgroup.Group
	group.SetLimit(t.config.SweepConcurrency)

	for i, record := range candidates {
		group.Go(func() error {
			results[i] = t.sweepOne(ctx, record, cutoff, started)

			return nil
		})
	}

	_ = group.Wait()

	report := SweepReport{Success: true, Results: results, Stats: SweepStats{Total: len(results)}}

	for _, result := range results {
		if !result.Success {
			report.Stats.Failed++
			report.Success = false
		}

		if result.Updated {
			report.Stats.Updated++
		}
	}

	t.logger.InfoContext(ctx, "liveness sweep finished",
		"total", report.Stats.Total,
		"updated", report.Stats.Updated,
		"failed", report.Stats.Failed,
	)

	return report
}

func (t *Tracker) sweepOne(ctx context.Context, record *models.InstanceLivenessRecord, cutoff, now time.Time) SweepResult {
	updated, err := t.store.MarkStaleDisconnected(ctx, record.ID, cutoff)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to mark instance disconnected", "instance_id", record.ID, "error", err)

		return SweepResult{ID: record.ID, Success: false, Error: err.Error()}
	}

	if updated {
		t.corrected(ctx, record, now, SourceSweep)
	}

	return SweepResult{ID: record.ID, Success: true, Updated: updated}
}

func (t *Tracker) corrected(ctx context.Context, record *models.InstanceLivenessRecord, now time.Time, source string) {
	t.metrics.LivenessCorrected(source)

	age := HeartbeatAge(record.LastHeartbeat, now)

	t.logger.InfoContext(ctx, "instance marked disconnected",
		"instance_id", record.ID,
		"heartbeat_age", age,
		"source", source,
	)

	if t.publisher == nil || record.LastHeartbeat == nil {
		return
	}

	event := events.InstanceMarkedDisconnected{
		BaseEvent:           events.NewBaseEvent(events.InstanceMarkedDisconnectedEvent),
		InstanceID:          record.ID,
		TenantID:            record.TenantID,
		LastHeartbeat:       *record.LastHeartbeat,
		HeartbeatAgeSeconds: int64(age / time.Second),
		Source:              source,
	}

	if err := t.publisher.Publish(ctx, record.ID, event); err != nil {
		t.logger.WarnContext(ctx, "failed to publish disconnection audit event", "instance_id", record.ID, "error", err)
	}
}

func view(record *models.InstanceLivenessRecord, evaluation Evaluation) *Instance {
	instance := &Instance{InstanceLivenessRecord: record, IsStale: evaluation.IsStale}

	if evaluation.HeartbeatAge != NeverSeen {
		seconds := int64(evaluation.HeartbeatAge / time.Second)
		instance.HeartbeatAgeSeconds = &seconds
	}

	return instance
}
