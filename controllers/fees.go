package controllers

import (
	"context"
	"fmt"
	"time"

	"schoolfees_go/services/finance"
	"schoolfees_go/storage"
	"schoolfees_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var importExtensions = []string{"xlsx", "csv"}

const exportLinkTTL = 15 * time.Minute

// ReportStore keeps generated exports for later download
type ReportStore interface {
	UploadReport(ctx context.Context, key, contentType string, data []byte) error
	DownloadURL(key string, ttl time.Duration) (string, error)
}

type FeeController struct {
	Finance *finance.Service
	Reports ReportStore
}

func NewFeeController(svc *finance.Service, reports ReportStore) *FeeController {
	return &FeeController{Finance: svc, Reports: reports}
}

// catalogScope resolves branch and session for catalog reads
func catalogScope(c *fiber.Ctx) (uint, uint, error) {
	requested, err := queryUint(c, "branch_id")
	if err != nil {
		return 0, 0, err
	}
	branchID, err := branchScope(c, requested, true)
	if err != nil {
		return 0, 0, err
	}
	sessionID, err := queryUint(c, "session_id")
	if err != nil {
		return 0, 0, err
	}
	sessionID, err = sessionScope(c, sessionID)
	return branchID, sessionID, err
}

// Fee heads

func (fc *FeeController) ListFeeHeads(c *fiber.Ctx) error {
	branchID, sessionID, err := catalogScope(c)
	if err != nil {
		return respondError(c, err)
	}
	heads, err := fc.Finance.ListFeeHeads(c.UserContext(), branchID, sessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"fee_heads": heads, "total": len(heads)})
}

func (fc *FeeController) feeHeadInput(c *fiber.Ctx) (finance.FeeHeadInput, error) {
	var in finance.FeeHeadInput
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

func (fc *FeeController) CreateFeeHead(c *fiber.Ctx) error {
	in, err := fc.feeHeadInput(c)
	if err != nil {
		return respondError(c, err)
	}
	head, err := fc.Finance.CreateFeeHead(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Fee head created successfully",
		"fee_head": head,
	})
}

func (fc *FeeController) UpdateFeeHead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	in, err := fc.feeHeadInput(c)
	if err != nil {
		return respondError(c, err)
	}
	head, err := fc.Finance.UpdateFeeHead(c.UserContext(), id, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":  "Fee head updated successfully",
		"fee_head": head,
	})
}

func (fc *FeeController) GetFeeHeadUsage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	usage, err := fc.Finance.GetFeeHeadUsage(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"usage": usage})
}

func (fc *FeeController) DeleteFeeHead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, 0, false)
	if err != nil {
		return respondError(c, err)
	}
	if err := fc.Finance.DeleteFeeHead(c.UserContext(), id, branchID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Fee head deleted successfully"})
}

// Fee terms

func (fc *FeeController) ListFeeTerms(c *fiber.Ctx) error {
	branchID, sessionID, err := catalogScope(c)
	if err != nil {
		return respondError(c, err)
	}
	terms, err := fc.Finance.ListFeeTerms(c.UserContext(), branchID, sessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"fee_terms": terms, "total": len(terms)})
}

func (fc *FeeController) feeTermInput(c *fiber.Ctx) (finance.FeeTermInput, error) {
	var in finance.FeeTermInput
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

func (fc *FeeController) CreateFeeTerm(c *fiber.Ctx) error {
	in, err := fc.feeTermInput(c)
	if err != nil {
		return respondError(c, err)
	}
	term, err := fc.Finance.CreateFeeTerm(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Fee term created successfully",
		"fee_term": term,
	})
}

func (fc *FeeController) UpdateFeeTerm(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	in, err := fc.feeTermInput(c)
	if err != nil {
		return respondError(c, err)
	}
	term, err := fc.Finance.UpdateFeeTerm(c.UserContext(), id, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":  "Fee term updated successfully",
		"fee_term": term,
	})
}

func (fc *FeeController) GetFeeTermUsage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	usage, err := fc.Finance.GetFeeTermUsage(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"usage": usage})
}

func (fc *FeeController) DeleteFeeTerm(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, 0, false)
	if err != nil {
		return respondError(c, err)
	}
	if err := fc.Finance.DeleteFeeTerm(c.UserContext(), id, branchID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Fee term deleted successfully"})
}

// Section fee slabs

type sectionFeesInput struct {
	Fees []finance.FeeAmount `json:"fees" validate:"dive"`
}

// SetSectionFees replaces the slab of a section for one term
func (fc *FeeController) SetSectionFees(c *fiber.Ctx) error {
	sectionID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	termID, err := paramID(c, "termId")
	if err != nil {
		return respondError(c, err)
	}
	var in sectionFeesInput
	if err := decodeBody(c, &in); err != nil {
		return respondError(c, err)
	}
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}
	rows, err := fc.Finance.SetSectionFees(c.UserContext(), sectionID, termID, in.Fees)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":        "Section fees saved",
		"classwise_fees": rows,
	})
}

func (fc *FeeController) GetSectionFees(c *fiber.Ctx) error {
	sectionID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	termID, err := queryUintPtr(c, "fee_term_id")
	if err != nil {
		return respondError(c, err)
	}
	rows, err := fc.Finance.GetSectionFees(c.UserContext(), sectionID, termID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"classwise_fees": rows, "total": len(rows)})
}

type copySectionFeesInput struct {
	ToSectionIDs []uint `json:"to_section_ids" validate:"required,min=1"`
	FeeTermID    *uint  `json:"fee_term_id"`
}

func (fc *FeeController) CopySectionFees(c *fiber.Ctx) error {
	sectionID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var in copySectionFeesInput
	if err := decodeBody(c, &in); err != nil {
		return respondError(c, err)
	}
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}
	copied, err := fc.Finance.CopySectionFees(c.UserContext(), sectionID, in.ToSectionIDs, in.FeeTermID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("Copied %d fee rows", copied),
		"copied":  copied,
	})
}

// ImportSectionFees reads a slab from an uploaded xlsx or csv file
func (fc *FeeController) ImportSectionFees(c *fiber.Ctx) error {
	sectionID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	termID, err := paramID(c, "termId")
	if err != nil {
		return respondError(c, err)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return respondError(c, badRequest("file is required"))
	}
	if !utils.IsValidFileExtension(fh.Filename, importExtensions) {
		return respondError(c, badRequest("Only .xlsx and .csv files are supported"))
	}
	f, err := fh.Open()
	if err != nil {
		return respondError(c, badRequest("Could not open uploaded file"))
	}
	defer f.Close()

	rows, err := fc.Finance.ImportSectionFees(c.UserContext(), sectionID, termID, fh.Filename, f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":        fmt.Sprintf("Imported %d fee rows", len(rows)),
		"classwise_fees": rows,
	})
}

// Collections and ledger

func (fc *FeeController) RecordCollection(c *fiber.Ctx) error {
	var in finance.ManualCollectionInput
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
	in.CollectedBy = a.UserID
	in.ReferenceNo = utils.SanitizeString(in.ReferenceNo)

	ctx := utils.WithFields(c.UserContext(), logrus.Fields{"student_id": in.StudentID, "fee_term_id": in.FeeTermID})
	col, err := fc.Finance.RecordManualCollection(ctx, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":    "Fee collected successfully",
		"receipt_no": col.ReceiptNo,
		"collection": col,
	})
}

func (fc *FeeController) collectionFilter(c *fiber.Ctx) (finance.CollectionFilter, error) {
	var f finance.CollectionFilter
	requested, err := queryUint(c, "branch_id")
	if err != nil {
		return f, err
	}
	if f.BranchID, err = branchScope(c, requested, false); err != nil {
		return f, err
	}
	if f.SessionID, err = queryUint(c, "session_id"); err != nil {
		return f, err
	}
	if f.StudentID, err = queryUint(c, "student_id"); err != nil {
		return f, err
	}
	if f.FeeTermID, err = queryUint(c, "fee_term_id"); err != nil {
		return f, err
	}
	if f.From, err = queryDate(c, "from", false); err != nil {
		return f, err
	}
	if f.To, err = queryDate(c, "to", true); err != nil {
		return f, err
	}
	return f, nil
}

func (fc *FeeController) ListCollections(c *fiber.Ctx) error {
	f, err := fc.collectionFilter(c)
	if err != nil {
		return respondError(c, err)
	}
	cols, err := fc.Finance.ListCollections(c.UserContext(), f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"collections": cols, "total": len(cols)})
}

// ExportCollections returns an xlsx workbook, or with store=true uploads it and
// returns a short-lived download link
func (fc *FeeController) ExportCollections(c *fiber.Ctx) error {
	f, err := fc.collectionFilter(c)
	if err != nil {
		return respondError(c, err)
	}
	buf, err := fc.Finance.ExportCollections(c.UserContext(), f)
	if err != nil {
		return respondError(c, err)
	}
	name := fmt.Sprintf("collections_%s.xlsx", time.Now().UTC().Format("20060102_150405"))

	if c.QueryBool("store") {
		if fc.Reports == nil {
			return respondError(c, fiber.NewError(fiber.StatusServiceUnavailable, "Report storage is not configured"))
		}
		key := storage.ReportKey("collections", name, time.Now().UTC())
		if err := fc.Reports.UploadReport(c.UserContext(), key, storage.XLSXContentType, buf.Bytes()); err != nil {
			utils.Logger(c.UserContext()).WithError(err).Error("collection export upload failed")
			return respondError(c, fiber.NewError(fiber.StatusInternalServerError, "Failed to store export"))
		}
		url, err := fc.Reports.DownloadURL(key, exportLinkTTL)
		if err != nil {
			utils.Logger(c.UserContext()).WithError(err).Error("collection export presign failed")
			return respondError(c, fiber.NewError(fiber.StatusInternalServerError, "Failed to store export"))
		}
		return c.JSON(fiber.Map{
			"file_name":    name,
			"key":          key,
			"download_url": url,
			"expires_in":   int(exportLinkTTL.Seconds()),
		})
	}

	c.Set(fiber.HeaderContentType, storage.XLSXContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, name))
	return c.Send(buf.Bytes())
}

func (fc *FeeController) GetStudentFeeDetails(c *fiber.Ctx) error {
	studentID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	termID, err := queryUintPtr(c, "fee_term_id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, 0, false)
	if err != nil {
		return respondError(c, err)
	}
	details, err := fc.Finance.GetStudentFeeDetails(c.UserContext(), studentID, branchID, termID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(details)
}

func (fc *FeeController) GetStudentPaymentHistory(c *fiber.Ctx) error {
	studentID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	branchID, err := branchScope(c, 0, false)
	if err != nil {
		return respondError(c, err)
	}
	history, err := fc.Finance.GetStudentPaymentHistory(c.UserContext(), studentID, branchID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"history": history, "total": len(history)})
}
