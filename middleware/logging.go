package middleware

import (
	"strings"
	"time"

	"schoolfees_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const RequestIDHeader = "X-Request-ID"

// LoggerMiddleware tags every request with a request id, stores a request-scoped
// logger in the user context and logs the outcome
func LoggerMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		requestID := c.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDHeader, requestID)
		c.Locals("request_id", requestID)

		entry := logrus.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Method(),
			"path":       c.Path(),
		})
		c.SetUserContext(utils.WithLogger(c.UserContext(), entry))

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		fields := logrus.Fields{
			"status":     status,
			"duration":   time.Since(start).String(),
			"ip":         c.IP(),
			"user_agent": c.Get("User-Agent"),
		}
		if claims, ok := c.Locals("claims").(*Claims); ok {
			fields["user_id"] = claims.UserID
		}
		entry.WithFields(fields).Info("HTTP Request")

		return err
	}
}

// bindUser adds the authenticated user to the request-scoped logger
func bindUser(c *fiber.Ctx, claims *Claims) {
	c.SetUserContext(utils.WithFields(c.UserContext(), logrus.Fields{
		"user_id":   claims.UserID,
		"branch_id": claims.BranchID,
	}))
}

// AuditMiddleware writes one audit entry per successful mutating request
func AuditMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead || c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		err := c.Next()

		var action string
		switch c.Method() {
		case fiber.MethodPost:
			action = "CREATE"
		case fiber.MethodPut, fiber.MethodPatch:
			action = "UPDATE"
		case fiber.MethodDelete:
			action = "DELETE"
		default:
			return err
		}
		if err != nil || c.Response().StatusCode() >= 400 {
			return err
		}

		// resource is the segment after /api
		var resource string
		parts := strings.Split(strings.Trim(c.Path(), "/"), "/")
		if len(parts) >= 2 {
			resource = parts[1]
		}

		fields := logrus.Fields{
			"audit":    true,
			"action":   action,
			"resource": resource,
			"path":     c.Path(),
			"ip":       c.IP(),
		}
		if id := c.Params("id"); id != "" {
			fields["resource_id"] = id
		}
		utils.Logger(c.UserContext()).WithFields(fields).Info("Activity")
		return err
	}
}
