package controllers

import (
	"context"

	"schoolfees_go/models"
	"schoolfees_go/services/finance"

	"github.com/gofiber/fiber/v2"
)

// WebhookArchives lists archived gateway deliveries
type WebhookArchives interface {
	ListArchives(ctx context.Context) ([]models.WebhookArchive, error)
}

type ReconciliationController struct {
	Finance  *finance.Service
	Archives WebhookArchives
}

func NewReconciliationController(svc *finance.Service, archives WebhookArchives) *ReconciliationController {
	return &ReconciliationController{Finance: svc, Archives: archives}
}

// ListExceptions filters by status (OPEN, RESOLVED) and kind
func (rc *ReconciliationController) ListExceptions(c *fiber.Ctx) error {
	requested, err := queryUint(c, "branch_id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, requested, false)
	if err != nil {
		return respondError(c, err)
	}
	list, err := rc.Finance.ListExceptions(c.UserContext(), finance.ExceptionFilter{
		BranchID: branchID,
		Status:   c.Query("status"),
		Kind:     c.Query("kind"),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"exceptions": list, "total": len(list)})
}

type resolveExceptionInput struct {
	Note string `json:"note" validate:"max=500"`
}

func (rc *ReconciliationController) ResolveException(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var in resolveExceptionInput
	if len(c.Body()) > 0 {
		if err := decodeBody(c, &in); err != nil {
			return respondError(c, err)
		}
		if err := validateInput(&in); err != nil {
			return respondError(c, err)
		}
	}
	a, err := actor(c)
	if err != nil {
		return respondError(c, err)
	}
	ex, err := rc.Finance.ResolveException(c.UserContext(), id, a, in.Note)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":   "Reconciliation exception resolved",
		"exception": ex,
	})
}

// RunScan triggers the reconciliation scan outside its schedule
func (rc *ReconciliationController) RunScan(c *fiber.Ctx) error {
	opened, err := rc.Finance.ScanReconciliation(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"opened": opened})
}

func (rc *ReconciliationController) ListWebhookArchives(c *fiber.Ctx) error {
	if rc.Archives == nil {
		return c.JSON(fiber.Map{"archives": []models.WebhookArchive{}, "total": 0})
	}
	list, err := rc.Archives.ListArchives(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"archives": list, "total": len(list)})
}
