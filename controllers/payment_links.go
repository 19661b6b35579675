package controllers

import (
	"strings"

	"schoolfees_go/services/finance"

	"github.com/gofiber/fiber/v2"
)

type PaymentLinkController struct {
	Finance *finance.Service
	// BaseURL is the parent-facing page the token is appended to
	BaseURL string
}

func NewPaymentLinkController(svc *finance.Service, baseURL string) *PaymentLinkController {
	return &PaymentLinkController{Finance: svc, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (lc *PaymentLinkController) CreatePaymentLink(c *fiber.Ctx) error {
	var in finance.PaymentLinkInput
	if err := decodeBody(c, &in); err != nil {
		return respondError(c, err)
	}
	a, err := actor(c)
	if err != nil {
		return respondError(c, err)
	}
	// the link inherits the student's branch; staff stay pinned to their own
	in.BranchID = a.BranchID
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}
	in.CreatedBy = a.UserID

	link, err := lc.Finance.CreatePaymentLink(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	resp := fiber.Map{
		"message":      "Payment link created",
		"payment_link": link,
	}
	if lc.BaseURL != "" {
		resp["url"] = lc.BaseURL + "/" + link.Token
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (lc *PaymentLinkController) DeactivatePaymentLink(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, 0, false)
	if err != nil {
		return respondError(c, err)
	}
	if err := lc.Finance.DeactivatePaymentLink(c.UserContext(), id, branchID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Payment link deactivated"})
}

func (lc *PaymentLinkController) ListStudentPaymentLinks(c *fiber.Ctx) error {
	studentID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, 0, false)
	if err != nil {
		return respondError(c, err)
	}
	links, err := lc.Finance.ListPaymentLinks(c.UserContext(), studentID, branchID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"payment_links": links, "total": len(links)})
}

// ResolvePaymentLink is public: the token is the credential
func (lc *PaymentLinkController) ResolvePaymentLink(c *fiber.Ctx) error {
	token := strings.TrimSpace(c.Params("token"))
	if token == "" {
		return respondError(c, badRequest("Invalid payment link"))
	}
	view, err := lc.Finance.ResolvePaymentLink(c.UserContext(), token)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}
