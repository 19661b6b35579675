package controllers

import (
	"errors"
	"strconv"
	"time"

	"schoolfees_go/middleware"
	"schoolfees_go/services/finance"
	"schoolfees_go/utils"

	"github.com/gofiber/fiber/v2"
)

const roleOwner = "owner"

var kindStatus = map[finance.Kind]int{
	finance.KindValidation:   fiber.StatusBadRequest,
	finance.KindConflict:     fiber.StatusConflict,
	finance.KindPrecondition: fiber.StatusPreconditionFailed,
	finance.KindNotFound:     fiber.StatusNotFound,
	finance.KindExternal:     fiber.StatusBadGateway,
	finance.KindInternal:     fiber.StatusInternalServerError,
}

// respondError maps a finance error to its HTTP status. Internal and gateway details
// are logged, never returned.
func respondError(c *fiber.Ctx, err error) error {
	var fields fieldErrors
	if errors.As(err, &fields) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  fields.Error(),
			"code":   finance.KindValidation.Code(),
			"fields": fields,
		})
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message, "code": codeForStatus(fe.Code)})
	}

	kind := finance.KindOf(err)
	status := kindStatus[kind]
	message := "Internal server error"
	var domainErr *finance.Error
	if errors.As(err, &domainErr) && domainErr.Public() {
		message = domainErr.Message
	}
	if kind == finance.KindInternal || kind == finance.KindExternal {
		utils.Logger(c.UserContext()).WithError(err).Error("request failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": message,
		"code":  kind.Code(),
	})
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return finance.KindValidation.Code()
	case fiber.StatusNotFound:
		return finance.KindNotFound.Code()
	case fiber.StatusConflict:
		return finance.KindConflict.Code()
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case fiber.StatusForbidden:
		return "FORBIDDEN"
	}
	return finance.KindInternal.Code()
}

func badRequest(message string) error {
	return fiber.NewError(fiber.StatusBadRequest, message)
}

// fieldErrors is a failed struct validation, keyed by json field name
type fieldErrors map[string]string

func (fieldErrors) Error() string { return "Validation failed" }

func decodeBody(c *fiber.Ctx, v interface{}) error {
	if err := c.BodyParser(v); err != nil {
		return badRequest("Invalid request body")
	}
	return nil
}

// validateInput runs the struct validation tags after scope fields are filled in
func validateInput(v interface{}) error {
	if fields := utils.ValidateStruct(v); fields != nil {
		return fieldErrors(fields)
	}
	return nil
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || id == 0 {
		return 0, badRequest("Invalid " + name)
	}
	return uint(id), nil
}

func queryUint(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, badRequest("Invalid " + name)
	}
	return uint(v), nil
}

func queryUintPtr(c *fiber.Ctx, name string) (*uint, error) {
	v, err := queryUint(c, name)
	if err != nil || v == 0 {
		return nil, err
	}
	return &v, nil
}

// queryDate parses YYYY-MM-DD; endOfDay moves the bound to the next midnight
func queryDate(c *fiber.Ctx, name string, endOfDay bool) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		return nil, badRequest("Invalid " + name + ", expected YYYY-MM-DD")
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

// actor builds the finance actor from the JWT claims. Owners act across branches.
func actor(c *fiber.Ctx) (finance.Actor, error) {
	claims, err := middleware.GetCurrentClaims(c)
	if err != nil {
		return finance.Actor{}, err
	}
	a := finance.Actor{UserID: claims.UserID, Role: claims.Role, BranchID: claims.BranchID}
	if claims.Role == roleOwner {
		a.BranchID = 0
	}
	return a, nil
}

// branchScope pins branch-bound staff to their own branch; owners pick one with
// requested. required rejects an owner request without a branch.
func branchScope(c *fiber.Ctx, requested uint, required bool) (uint, error) {
	a, err := actor(c)
	if err != nil {
		return 0, err
	}
	if a.BranchID != 0 {
		return a.BranchID, nil
	}
	if requested == 0 && required {
		return 0, badRequest("branch_id is required")
	}
	return requested, nil
}

// sessionScope defaults to the academic session the user logged in with
func sessionScope(c *fiber.Ctx, requested uint) (uint, error) {
	if requested != 0 {
		return requested, nil
	}
	if claims, err := middleware.GetCurrentClaims(c); err == nil && claims.SessionID != 0 {
		return claims.SessionID, nil
	}
	return 0, badRequest("session_id is required")
}
