// Package server is the thin HTTP surface over the engine's
// programmatic API.
package server

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/engine"
	"github.com/stepflow-dev/stepflow/store"
)

// Server wires the engine into a fiber application.
type Server struct {
	engine *engine.Engine
	logger zerolog.Logger
	app    *fiber.App
}

// New builds the HTTP server. Pass a registry-backed gatherer to serve
// worker metrics on /metrics; a nil gatherer serves the default one.
func New(eng *engine.Engine, logger zerolog.Logger, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		engine: eng,
		logger: logger,
		app:    fiber.New(),
	}
	s.routes(gatherer)
	return s
}

// App exposes the fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until the listener fails or is shut down.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.app.Group("/api/v1")
	api.Post("/workflows", s.registerWorkflow)
	api.Get("/workflows/:name/versions", s.listVersions)
	api.Post("/executions", s.startExecution)
	api.Get("/executions", s.listExecutions)
	api.Get("/executions/:id", s.getExecution)
	api.Get("/executions/:id/steps", s.listSteps)
	api.Get("/executions/:id/history", s.listHistory)
	api.Post("/executions/:id/cancel", s.cancelExecution)
}

type registerWorkflowRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Version     string          `json:"version"`
	Definition  json.RawMessage `json:"definition"`
}

func (s *Server) registerWorkflow(c fiber.Ctx) error {
	var req registerWorkflowRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	source := []byte(req.Definition)
	// a JSON string payload carries YAML (or JSON) source verbatim
	var inline string
	if json.Unmarshal(req.Definition, &inline) == nil {
		source = []byte(inline)
	}

	version, err := s.engine.RegisterWorkflow(c.Context(), req.Name, req.Description, req.Version, source)
	if err != nil {
		if stepflow.IsDefinitionError(err) {
			return badRequest(c, err.Error())
		}
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(version)
}

func (s *Server) listVersions(c fiber.Ctx) error {
	versions, err := s.engine.ListVersions(c.Context(), c.Params("name"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(versions)
}

type startExecutionRequest struct {
	Workflow       string          `json:"workflow"`
	Version        string          `json:"version"`
	Input          json.RawMessage `json:"input"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Priority       int             `json:"priority"`
}

func (s *Server) startExecution(c fiber.Ctx) error {
	var req startExecutionRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := s.engine.StartExecution(c.Context(), engine.StartRequest{
		Workflow:       req.Workflow,
		Version:        req.Version,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
	})
	if err != nil {
		return s.fail(c, err)
	}

	status := fiber.StatusCreated
	if result.Existing {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(result.Execution)
}

func (s *Server) listExecutions(c fiber.Ctx) error {
	filter := store.ExecutionFilter{
		WorkflowName: c.Query("workflow"),
		Limit:        fiber.Query[int](c, "limit"),
	}
	if raw := c.Query("status"); raw != "" {
		status := stepflow.ExecutionStatus(raw)
		filter.Status = &status
	}

	executions, err := s.engine.ListExecutions(c.Context(), filter)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(executions)
}

func (s *Server) getExecution(c fiber.Ctx) error {
	exec, err := s.engine.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(exec)
}

func (s *Server) listSteps(c fiber.Ctx) error {
	steps, err := s.engine.ListSteps(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(steps)
}

func (s *Server) listHistory(c fiber.Ctx) error {
	events, err := s.engine.ListHistory(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(events)
}

func (s *Server) cancelExecution(c fiber.Ctx) error {
	exec, err := s.engine.CancelExecution(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(exec)
}

func badRequest(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, stepflow.ErrWorkflowNotFound),
		errors.Is(err, stepflow.ErrVersionNotFound),
		errors.Is(err, stepflow.ErrExecutionNotFound),
		errors.Is(err, stepflow.ErrStepNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, stepflow.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case stepflow.IsDefinitionError(err):
		return badRequest(c, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}
