package controllers

import (
	"schoolfees_go/services/finance"
	"schoolfees_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type ConcessionController struct {
	Finance *finance.Service
}

func NewConcessionController(svc *finance.Service) *ConcessionController {
	return &ConcessionController{Finance: svc}
}

// Concession types

func (cc *ConcessionController) ListConcessionTypes(c *fiber.Ctx) error {
	branchID, sessionID, err := catalogScope(c)
	if err != nil {
		return respondError(c, err)
	}
	types, err := cc.Finance.ListConcessionTypes(c.UserContext(), branchID, sessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"concession_types": types, "total": len(types)})
}

func (cc *ConcessionController) concessionTypeInput(c *fiber.Ctx) (finance.ConcessionTypeInput, error) {
	var in finance.ConcessionTypeInput
	if err := decodeBody(c, &in); err != nil {
		return in, err
	}
	var err error
	if in.BranchID, err = branchScope(c, in.BranchID, true); err != nil {
		return in, err
	}
	if in.SessionID, err = sessionScope(c, in.SessionID); err != nil {
		return in, err
	}
	in.Name = utils.SanitizeString(in.Name)
	return in, validateInput(&in)
}

func (cc *ConcessionController) CreateConcessionType(c *fiber.Ctx) error {
	in, err := cc.concessionTypeInput(c)
	if err != nil {
		return respondError(c, err)
	}
	ct, err := cc.Finance.CreateConcessionType(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":         "Concession type created successfully",
		"concession_type": ct,
	})
}

func (cc *ConcessionController) UpdateConcessionType(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	in, err := cc.concessionTypeInput(c)
	if err != nil {
		return respondError(c, err)
	}
	ct, err := cc.Finance.UpdateConcessionType(c.UserContext(), id, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":         "Concession type updated successfully",
		"concession_type": ct,
	})
}

func (cc *ConcessionController) DeleteConcessionType(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, 0, false)
	if err != nil {
		return respondError(c, err)
	}
	if err := cc.Finance.DeleteConcessionType(c.UserContext(), id, branchID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Concession type deleted successfully"})
}

// Student concessions

func (cc *ConcessionController) AssignConcession(c *fiber.Ctx) error {
	var in finance.AssignConcessionInput
	if err := decodeBody(c, &in); err != nil {
		return respondError(c, err)
	}
	a, err := actor(c)
	if err != nil {
		return respondError(c, err)
	}
	if in.BranchID, err = branchScope(c, in.BranchID, true); err != nil {
		return respondError(c, err)
	}
	if in.SessionID, err = sessionScope(c, in.SessionID); err != nil {
		return respondError(c, err)
	}
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}

	ctx := utils.WithFields(c.UserContext(), logrus.Fields{"student_id": in.StudentID, "concession_type_id": in.ConcessionTypeID})
	sc, err := cc.Finance.AssignConcession(ctx, in, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":    "Concession assigned",
		"concession": sc,
	})
}

type decisionInput struct {
	Reason string `json:"reason" validate:"max=500"`
}

// decide runs one approval-workflow transition with an optional reason
func (cc *ConcessionController) decide(c *fiber.Ctx, apply func(uint, finance.Actor, string) (interface{}, error), message string) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var in decisionInput
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
	sc, err := apply(id, a, utils.SanitizeString(in.Reason))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": message, "concession": sc})
}

func (cc *ConcessionController) ApproveConcession(c *fiber.Ctx) error {
	return cc.decide(c, func(id uint, a finance.Actor, reason string) (interface{}, error) {
		return cc.Finance.ApproveConcession(c.UserContext(), id, a, reason)
	}, "Concession approval recorded")
}

func (cc *ConcessionController) RejectConcession(c *fiber.Ctx) error {
	return cc.decide(c, func(id uint, a finance.Actor, reason string) (interface{}, error) {
		return cc.Finance.RejectConcession(c.UserContext(), id, a, reason)
	}, "Concession rejected")
}

func (cc *ConcessionController) SuspendConcession(c *fiber.Ctx) error {
	return cc.decide(c, func(id uint, a finance.Actor, reason string) (interface{}, error) {
		return cc.Finance.SuspendConcession(c.UserContext(), id, a, reason)
	}, "Concession suspended")
}

func (cc *ConcessionController) GetConcessionHistory(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	a, err := actor(c)
	if err != nil {
		return respondError(c, err)
	}
	history, err := cc.Finance.GetConcessionHistory(c.UserContext(), id, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"history": history})
}

func (cc *ConcessionController) ListStudentConcessions(c *fiber.Ctx) error {
	studentID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, 0, false)
	if err != nil {
		return respondError(c, err)
	}
	list, err := cc.Finance.ListStudentConcessions(c.UserContext(), studentID, branchID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"concessions": list, "total": len(list)})
}

// Approval settings

func (cc *ConcessionController) GetApprovalSettings(c *fiber.Ctx) error {
	branchID, sessionID, err := catalogScope(c)
	if err != nil {
		return respondError(c, err)
	}
	st, err := cc.Finance.GetApprovalSettings(c.UserContext(), branchID, sessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"settings": st})
}

func (cc *ConcessionController) SaveApprovalSettings(c *fiber.Ctx) error {
	var in finance.ApprovalSettingsInput
	if err := decodeBody(c, &in); err != nil {
		return respondError(c, err)
	}
	var err error
	if in.BranchID, err = branchScope(c, in.BranchID, true); err != nil {
		return respondError(c, err)
	}
	if in.SessionID, err = sessionScope(c, in.SessionID); err != nil {
		return respondError(c, err)
	}
	for _, role := range in.ApproverRoles {
		if !utils.IsValidRole(role) {
			return respondError(c, badRequest("Unknown approver role "+role))
		}
	}
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}
	st, err := cc.Finance.SaveApprovalSettings(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":  "Approval settings saved",
		"settings": st,
	})
}
