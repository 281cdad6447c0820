package server

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/keksclan/goEntra/adapters/common"
	entrafiber "github.com/keksclan/goEntra/adapters/fiber"
	"github.com/keksclan/goEntra/internal/logging"
	"go.uber.org/zap"
)

const requestIDLocal = "request_id"

// requestID propagates the caller's X-Request-ID or generates a new one,
// echoes it on the response and keeps it in locals.
func (s *Server) requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rid := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(fiber.HeaderXRequestID, rid)
		c.Locals(requestIDLocal, rid)
		return c.Next()
	}
}

// requestLogger scopes a logger to the request, stores it in the user
// context and logs completion.
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		rid, _ := c.Locals(requestIDLocal).(string)
		reqLog := s.logger.With(
			logging.RequestID(rid),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
		)
		c.SetUserContext(logging.ToContext(c.UserContext(), reqLog))

		err := c.Next()
		if err != nil {
			// Let the app error handler set the status before logging it.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		reqLog.Info("request completed",
			zap.Int("status", c.Response().StatusCode()),
			zap.Int("bytes", len(c.Response().Body())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return nil
	}
}

// authMiddleware guards routes with the fiber adapter and records
// rejections as auth events.
func (s *Server) authMiddleware() fiber.Handler {
	return entrafiber.Middleware(s.engine, entrafiber.WithErrorObserver(func(c *fiber.Ctx, err error) {
		status, _ := common.NewErrorResponse(err, s.now())
		s.logAuthFailure(c, status, err)
	}))
}

func (s *Server) logAuthFailure(c *fiber.Ctx, status int, err error) {
	log := logging.From(c.UserContext(), s.logger)
	if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
		log.Error("auth event", logging.EventType(logging.EventAuthError), logging.Details(err.Error()))
		return
	}
	log.Info("auth event",
		logging.EventType(logging.EventAuthFailure),
		zap.Int("status_code", status),
		logging.Details(err.Error()),
	)
}
