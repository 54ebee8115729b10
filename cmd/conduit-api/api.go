// Package main provides the Conduit API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/ratelimit"
	"github.com/dukex/conduit/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type API struct {
	logger   *slog.Logger
	services *cmd.Services
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	services *cmd.Services,
	gatherer prometheus.Gatherer,
) *API {
	return &API{
		logger:   logger,
		services: services,
		gatherer: gatherer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.services.Ingestion,
		a.services.Rules,
		a.services.Integrations,
		a.services.Flows,
		a.services.Instances,
		a.validate,
		a.logger,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conduit API")
	})

	app.Get("/health", handlers.HealthCheck)

	if a.gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	}

	limiter := a.services.Limiter
	apiLimit := web.RateLimit(limiter, ratelimit.ClassAPI, web.ClientIP)

	app.Post("/webhooks/:provider/:integrationId",
		web.RateLimit(limiter, ratelimit.ClassWebhook, web.ParamOrIP("integrationId")),
		handlers.IngestEvent,
	)

	i := app.Group("/integrations", apiLimit)
	i.Get("/", handlers.GetIntegrations)
	i.Post("/", handlers.CreateIntegration)
	i.Get("/:id", handlers.GetIntegration)
	i.Put("/:id", handlers.UpdateIntegration)
	i.Delete("/:id", handlers.DeleteIntegration)
	i.Get("/:id/breaker", handlers.GetBreaker)
	i.Post("/:id/breaker/reset", handlers.ResetBreaker)
	i.Get("/:id/rules", handlers.GetRules)
	i.Post("/:id/rules", handlers.CreateRule)

	r := app.Group("/rules", apiLimit)
	r.Get("/:id", handlers.GetRule)
	r.Put("/:id", handlers.UpdateRule)
	r.Delete("/:id", handlers.DeleteRule)
	r.Get("/:id/logs", handlers.GetRuleLogs)

	p := app.Group("/providers", apiLimit)
	p.Get("/:provider/mappings", handlers.GetMappings)
	p.Put("/:provider/mappings", handlers.SaveMappings)

	in := app.Group("/instances", apiLimit)
	in.Get("/:id", handlers.GetInstance)
	in.Put("/:id", handlers.UpsertInstance)
	in.Post("/:id/heartbeat", handlers.RecordHeartbeat)

	app.Post("/liveness/sweep", apiLimit, handlers.Sweep)

	f := app.Group("/flows", apiLimit)
	f.Post("/validate", handlers.ValidateFlow)
	f.Get("/", handlers.GetFlows)
	f.Post("/", handlers.CreateFlow)
	f.Get("/:id", handlers.GetFlow)
	f.Put("/:id", handlers.UpdateFlow)
	f.Delete("/:id", handlers.DeleteFlow)
	f.Post("/:id/activate", handlers.ActivateFlow)
	f.Post("/:id/deactivate", handlers.DeactivateFlow)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
