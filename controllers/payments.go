package controllers

import (
	"time"

	"schoolfees_go/services/finance"
	"schoolfees_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type PaymentController struct {
	Finance *finance.Service
	now     func() time.Time
}

func NewPaymentController(svc *finance.Service) *PaymentController {
	return &PaymentController{Finance: svc, now: time.Now}
}

// CreatePaymentRequest opens a gateway order for a student's term fees
func (pc *PaymentController) CreatePaymentRequest(c *fiber.Ctx) error {
	var in finance.PaymentRequestInput
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
	in.CreatedBy = a.UserID

	ctx := utils.WithFields(c.UserContext(), logrus.Fields{"student_id": in.StudentID, "fee_term_id": in.FeeTermID})
	res, err := pc.Finance.CreatePaymentRequest(ctx, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Payment request created",
		"payment": res,
	})
}

// ListPaymentRequests supports student_id, session_id, status, page and limit filters
func (pc *PaymentController) ListPaymentRequests(c *fiber.Ctx) error {
	requested, err := queryUint(c, "branch_id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, requested, false)
	if err != nil {
		return respondError(c, err)
	}
	studentID, err := queryUint(c, "student_id")
	if err != nil {
		return respondError(c, err)
	}
	sessionID, err := queryUint(c, "session_id")
	if err != nil {
		return respondError(c, err)
	}
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 20)

	reqs, total, err := pc.Finance.ListPaymentRequests(c.UserContext(), finance.PaymentRequestFilter{
		BranchID:  branchID,
		SessionID: sessionID,
		StudentID: studentID,
		Status:    c.Query("status"),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		return respondError(c, err)
	}

	now := pc.now()
	out := make([]utils.PaymentRequestDTO, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, utils.ToPaymentRequestDTO(r, now))
	}
	return c.JSON(fiber.Map{
		"payment_requests": out,
		"total":            total,
		"page":             page,
		"limit":            limit,
	})
}

func (pc *PaymentController) GetPaymentRequest(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	a, err := actor(c)
	if err != nil {
		return respondError(c, err)
	}
	req, err := pc.Finance.GetPaymentRequest(c.UserContext(), id, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"payment_request": utils.ToPaymentRequestDTO(*req, pc.now())})
}

func (pc *PaymentController) CancelPaymentRequest(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	a, err := actor(c)
	if err != nil {
		return respondError(c, err)
	}
	req, err := pc.Finance.CancelPaymentRequest(c.UserContext(), id, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":         "Payment request cancelled",
		"payment_request": utils.ToPaymentRequestDTO(*req, pc.now()),
	})
}

type verifyPaymentInput struct {
	Gateway   string `json:"gateway"`
	OrderID   string `json:"order_id" validate:"required"`
	PaymentID string `json:"payment_id" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// VerifyPayment confirms a checkout using the signature the gateway handed the browser
func (pc *PaymentController) VerifyPayment(c *fiber.Ctx) error {
	var in verifyPaymentInput
	if err := decodeBody(c, &in); err != nil {
		return respondError(c, err)
	}
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}
	ctx := utils.WithFields(c.UserContext(), logrus.Fields{"gateway_order_id": in.OrderID})
	res, err := pc.Finance.ConfirmCheckout(ctx, in.Gateway, in.OrderID, in.PaymentID, in.Signature)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "Payment verified",
		"result":  res,
	})
}
