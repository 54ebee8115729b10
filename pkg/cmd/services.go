package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukex/conduit/pkg/breaker"
	"github.com/dukex/conduit/pkg/dispatch"
	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/executor"
	"github.com/dukex/conduit/pkg/liveness"
	"github.com/dukex/conduit/pkg/matcher"
	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/normalizer"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/ratelimit"
	"github.com/dukex/conduit/pkg/services"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// Services is the assembled application graph shared by the binaries.
type Services struct {
	Breaker  *breaker.Breaker
	Limiter  *ratelimit.Limiter
	Tracker  *liveness.Tracker
	Mappings *normalizer.MappingCache

	Ingestion    *services.Ingestion
	Rules        *services.Rules
	Integrations *services.Integrations
	Flows        *services.Flows
	Instances    *services.Instances
}

type buildOptions struct {
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	httpClient  *http.Client
	dispatchers map[models.ActionType]dispatch.Dispatcher
}

type Option func(*buildOptions)

func WithClock(clock clockwork.Clock) Option {
	return func(o *buildOptions) { o.clock = clock }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *buildOptions) { o.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *buildOptions) { o.tracer = tracer }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *buildOptions) { o.httpClient = client }
}

// WithDispatcher replaces the dispatcher of one action type.
func WithDispatcher(actionType models.ActionType, dispatcher dispatch.Dispatcher) Option {
	return func(o *buildOptions) { o.dispatchers[actionType] = dispatcher }
}

// NewServices wires the pipeline components on top of store and bus.
func NewServices(store persistence.Persistence, bus eventbus.EventPublisher, config Config, logger *slog.Logger, opts ...Option) *Services {
	options := &buildOptions{
		clock:       clockwork.NewRealClock(),
		tracer:      otelhelper.Noop(),
		dispatchers: map[models.ActionType]dispatch.Dispatcher{},
	}

	for _, opt := range opts {
		opt(options)
	}

	clock := options.clock

	circuit := breaker.New(store.BreakerRepository(), config.Breaker, logger,
		breaker.WithClock(clock),
		breaker.WithMetrics(options.metrics),
		breaker.WithTransitionHook(publishTransition(bus, logger)),
	)

	limiter := ratelimit.New(store.RateLimitRepository(), logger,
		ratelimit.WithClock(clock),
		ratelimit.WithMetrics(options.metrics),
	)

	trackerOpts := []liveness.Option{liveness.WithClock(clock), liveness.WithMetrics(options.metrics)}
	if bus != nil {
		trackerOpts = append(trackerOpts, liveness.WithPublisher(bus))
	}

	tracker := liveness.New(store.InstanceRepository(), config.Liveness, logger, trackerOpts...)

	mappings := normalizer.NewMappingCache(store.EventMappingRepository(), config.MappingTTL, logger, clock)

	exec := executor.New(executor.Dependencies{
		Rules:       store.RuleRepository(),
		Logs:        store.ExecutionLogRepository(),
		Limiter:     limiter,
		Breaker:     circuit,
		Dispatchers: newDispatchers(store, bus, options, logger),
		Publisher:   bus,
	}, executor.Config{Retry: config.Retry}, logger,
		executor.WithClock(clock),
		executor.WithMetrics(options.metrics),
		executor.WithTracer(options.tracer),
	)

	ingestion := services.NewIngestion(services.IngestionDependencies{
		Integrations: store.IntegrationRepository(),
		Normalizer:   normalizer.New(mappings, logger, clock),
		Matcher: matcher.New(store.RuleRepository(), store.ExecutionLogRepository(), logger,
			matcher.WithClock(clock),
			matcher.WithMetrics(options.metrics),
		),
		Executor:  exec,
		Publisher: bus,
		Metrics:   options.metrics,
		Tracer:    options.tracer,
	}, logger)

	return &Services{
		Breaker:      circuit,
		Limiter:      limiter,
		Tracker:      tracker,
		Mappings:     mappings,
		Ingestion:    ingestion,
		Rules:        services.NewRules(store, clock),
		Integrations: services.NewIntegrations(store, circuit, mappings, clock, logger),
		Flows:        services.NewFlows(store.FlowRepository(), clock, logger),
		Instances:    services.NewInstances(store.InstanceRepository(), tracker, clock),
	}
}

// Close stops background work started by NewServices.
func (s *Services) Close() error {
	return s.Mappings.Close()
}

func newDispatchers(store persistence.Persistence, bus eventbus.EventPublisher, options *buildOptions, logger *slog.Logger) *dispatch.Registry {
	registry := dispatch.NewRegistry()
	registry.Register(models.ActionSendMessage, dispatch.NewMessageDispatcher(store.ConfigStore(), nil, options.httpClient, logger))
	registry.Register(models.ActionFireWebhook, dispatch.NewWebhookDispatcher(options.httpClient, logger))

	if bus != nil {
		registry.Register(models.ActionStartCampaign, dispatch.NewCampaignDispatcher(bus))
	}

	for actionType, dispatcher := range options.dispatchers {
		registry.Register(actionType, dispatcher)
	}

	return registry
}

func publishTransition(bus eventbus.EventPublisher, logger *slog.Logger) breaker.TransitionFunc {
	return func(ctx context.Context, integrationID string, from, to models.CircuitStatus) {
		if bus == nil {
			return
		}

		err := bus.Publish(ctx, integrationID, events.CircuitStateChanged{
			BaseEvent:     events.NewBaseEvent(events.CircuitStateChangedEvent),
			IntegrationID: integrationID,
			From:          from,
			To:            to,
		})
		if err != nil {
			logger.WarnContext(ctx, "failed to publish circuit state change", "integration_id", integrationID, "error", err)
		}
	}
}
