// Package api exposes the service over HTTP and a websocket command channel.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"nnvisual/internal/model"
	"nnvisual/internal/platform"
)

const defaultBodyLimit = 8 << 20

type Options struct {
	Service *platform.Service
	// CORSOrigins is a comma separated allow list; empty allows any origin.
	CORSOrigins string
	BodyLimit   int
	RequestLog  bool
	Logger      *slog.Logger
}

type Server struct {
	app    *fiber.App
	svc    *platform.Service
	logger *slog.Logger
}

// errorBody matches the {"detail": "..."} shape clients already parse.
type errorBody struct {
	Detail string `json:"detail"`
}

func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = defaultBodyLimit
	}
	s := &Server{svc: opts.Service, logger: opts.Logger}
	s.app = fiber.New(fiber.Config{
		AppName:               "nnvisual",
		DisableStartupMessage: true,
		BodyLimit:             opts.BodyLimit,
		ErrorHandler:          s.handleError,
	})

	s.app.Use(recover.New())
	if opts.RequestLog {
		s.app.Use(logger.New())
	}
	corsConfig := cors.Config{}
	if opts.CORSOrigins != "" {
		corsConfig.AllowOrigins = opts.CORSOrigins
	}
	s.app.Use(cors.New(corsConfig))

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	app := s.app
	app.Get("/", s.root)
	app.Get("/health", s.health)
	app.Get("/samples", s.samples)

	app.Post("/predict", s.predict)
	app.Post("/state", s.state)
	app.Get("/weights", s.weights)
	app.Get("/model/info", s.modelInfo)
	app.Post("/model/switch", s.switchModel)
	app.Get("/models/available", s.availableModels)

	app.Get("/models", s.listModels)
	app.Post("/models/save", s.saveModel)
	app.Post("/models/load", s.loadModel)
	app.Delete("/models/:name", s.deleteModel)

	app.Get("/training/status", s.trainingStatus)
	app.Get("/training/history", s.trainingHistory)
	app.Get("/training/epochs", s.epochHistory)
	app.Get("/training/config", s.trainingConfig)
	app.Put("/training/config", s.configureTraining)
	app.Get("/training/runs", s.runs)
	app.Get("/training/runs/:id", s.runDetail)
	app.Get("/training/runs/:id/epochs", s.runEpochs)
	app.Post("/training/runs/:id/export", s.exportRun)
	app.Post("/training/:command", s.trainingCommand)

	app.Use("/train", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/train", websocket.New(s.trainSocket))
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
	}
	return c.Status(code).JSON(errorBody{Detail: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, model.ErrInvalidState):
		return fiber.StatusConflict
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrUnknownModel):
		return fiber.StatusBadRequest
	case errors.Is(err, model.ErrModelUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, model.ErrNotFound):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}
