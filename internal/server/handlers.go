package server

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/keksclan/goEntra/adapters/common"
	entrafiber "github.com/keksclan/goEntra/adapters/fiber"
	"github.com/keksclan/goEntra/entra"
	"github.com/keksclan/goEntra/internal/logging"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// handleAuthMicrosoft exchanges an Entra ID access token for the caller's
// identity.
func (s *Server) handleAuthMicrosoft(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "request body must be a JSON object with a token")
	}
	if err := validate.Struct(req); err != nil {
		return s.badRequest(c, "token is required")
	}

	claims, err := s.engine.Validate(c.UserContext(), req.Token)
	if err != nil {
		status, body := common.NewErrorResponse(err, s.now())
		s.logAuthFailure(c, status, err)
		if status == fiber.StatusUnauthorized {
			c.Set(fiber.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
		}
		return c.Status(status).JSON(body)
	}

	logging.From(c.UserContext(), s.logger).Info("auth event",
		logging.EventType(logging.EventAuthSuccess),
		logging.UserOID(claims.OID),
	)
	return c.JSON(claims.UserInfo(s.now()))
}

func (s *Server) handleMe(c *fiber.Ctx) error {
	claims := entrafiber.ClaimsFromLocals(c)
	if claims == nil {
		return fiber.ErrUnauthorized
	}
	return c.JSON(claims.UserInfo(s.now()))
}

// handleHealth reports unhealthy only when the key provider cannot be
// reached. Other probe errors leave the service healthy.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status:    statusHealthy,
		Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000000"),
		Checks:    map[string]string{"azure_ad_connectivity": statusHealthy},
	}
	code := fiber.StatusOK

	if err := s.engine.CheckKeyProviderReachable(c.UserContext()); err != nil {
		if errors.Is(err, entra.ErrKeyProviderUnavailable) {
			resp.Status = statusUnhealthy
			resp.Checks["azure_ad_connectivity"] = statusUnhealthy
			code = fiber.StatusServiceUnavailable
		}
		logging.From(c.UserContext(), s.logger).Warn("health probe failed", logging.Details(err.Error()))
	}
	return c.Status(code).JSON(resp)
}

func (s *Server) badRequest(c *fiber.Ctx, desc string) error {
	return c.Status(fiber.StatusBadRequest).JSON(common.ErrorResponse{
		Error:            "invalid_request",
		ErrorDescription: desc,
		Timestamp:        s.now().UTC(),
	})
}
