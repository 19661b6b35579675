package finance

import (
	"context"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/services/gateway"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	DefaultExpiryHours = 24
	MaxExpiryHours     = 72
	DefaultCurrency    = "INR"
)

// Notifier receives payment and reconciliation events after they are committed
type Notifier interface {
	PaymentCompleted(ctx context.Context, req models.PaymentRequest, collection models.FeeCollection)
	PaymentFailed(ctx context.Context, req models.PaymentRequest, reason string)
	ExceptionOpened(ctx context.Context, exception models.ReconciliationException)
	ExceptionResolved(ctx context.Context, exception models.ReconciliationException)
}

type nopNotifier struct{}

func (nopNotifier) PaymentCompleted(context.Context, models.PaymentRequest, models.FeeCollection) {}
func (nopNotifier) PaymentFailed(context.Context, models.PaymentRequest, string)                   {}
func (nopNotifier) ExceptionOpened(context.Context, models.ReconciliationException)                {}
func (nopNotifier) ExceptionResolved(context.Context, models.ReconciliationException)              {}

// Actor is the authenticated user performing an operation.
// BranchID 0 means the actor may act on any branch.
type Actor struct {
	UserID   uint
	Role     string
	BranchID uint
}

func (a Actor) canAccess(branchID uint) bool {
	return a.BranchID == 0 || a.BranchID == branchID
}

// FeeAmount is one (fee head, amount) line of a request, collection or slab
type FeeAmount struct {
	FeeHeadID uint            `json:"fee_head_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

// Service implements fee catalog, concessions, payments and reconciliation
type Service struct {
	db                 *gorm.DB
	gateways           *gateway.Registry
	notifier           Notifier
	links              LinkCache
	now                func() time.Time
	defaultExpiryHours int
	currency           string
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithLinkCache(c LinkCache) Option {
	return func(s *Service) { s.links = c }
}

// WithClock replaces time.Now; returned times are converted to UTC
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithDefaultExpiryHours(hours int) Option {
	return func(s *Service) {
		if hours >= 1 && hours <= MaxExpiryHours {
			s.defaultExpiryHours = hours
		}
	}
}

func WithCurrency(currency string) Option {
	return func(s *Service) {
		if currency != "" {
			s.currency = currency
		}
	}
}

func NewService(db *gorm.DB, gateways *gateway.Registry, opts ...Option) *Service {
	s := &Service{
		db:                 db,
		gateways:           gateways,
		notifier:           nopNotifier{},
		now:                time.Now,
		defaultExpiryHours: DefaultExpiryHours,
		currency:           DefaultCurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) dbc(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Service) loadStudent(tx *gorm.DB, studentID, branchID uint) (*models.Student, error) {
	var st models.Student
	if err := tx.First(&st, studentID).Error; err != nil {
		if isNotFound(err) {
			return nil, validationf("Student not found")
		}
		return nil, internal(err, "load student")
	}
	if branchID != 0 && st.BranchID != branchID {
		return nil, validationf("Student does not belong to this branch")
	}
	return &st, nil
}

func (s *Service) loadTerm(tx *gorm.DB, termID, branchID, sessionID uint) (*models.FeeTerm, error) {
	var term models.FeeTerm
	if err := tx.Preload("FeeHeads").First(&term, termID).Error; err != nil {
		if isNotFound(err) {
			return nil, validationf("Fee term not found")
		}
		return nil, internal(err, "load fee term")
	}
	if term.BranchID != branchID || term.SessionID != sessionID {
		return nil, validationf("Fee term does not belong to this branch and session")
	}
	return &term, nil
}

func (s *Service) loadSection(tx *gorm.DB, sectionID uint) (*models.Section, error) {
	var sec models.Section
	if err := tx.First(&sec, sectionID).Error; err != nil {
		if isNotFound(err) {
			return nil, validationf("Section not found")
		}
		return nil, internal(err, "load section")
	}
	return &sec, nil
}

// validateFeeLines checks every line against the term before any write and
// returns the heads keyed by id. requirePositive rejects zero amounts.
func (s *Service) validateFeeLines(tx *gorm.DB, term *models.FeeTerm, lines []FeeAmount, requirePositive bool) (map[uint]models.FeeHead, decimal.Decimal, error) {
	total := decimal.Zero
	if len(lines) == 0 {
		return nil, total, validationf("At least one fee line is required")
	}

	ids := make([]uint, 0, len(lines))
	seen := make(map[uint]bool, len(lines))
	for _, l := range lines {
		if l.FeeHeadID == 0 {
			return nil, total, validationf("Fee head is required for every line")
		}
		if seen[l.FeeHeadID] {
			return nil, total, validationf("Fee head %d appears more than once", l.FeeHeadID)
		}
		seen[l.FeeHeadID] = true
		if l.Amount.IsNegative() || (requirePositive && !l.Amount.IsPositive()) {
			return nil, total, validationf("Amount for fee head %d must be greater than 0", l.FeeHeadID)
		}
		ids = append(ids, l.FeeHeadID)
		total = total.Add(l.Amount)
	}

	var heads []models.FeeHead
	if err := tx.Where("id IN ?", ids).Find(&heads).Error; err != nil {
		return nil, total, internal(err, "load fee heads")
	}
	byID := make(map[uint]models.FeeHead, len(heads))
	for _, h := range heads {
		byID[h.ID] = h
	}

	onTerm := make(map[uint]bool, len(term.FeeHeads))
	for _, h := range term.FeeHeads {
		onTerm[h.ID] = true
	}

	for _, id := range ids {
		h, ok := byID[id]
		if !ok {
			return nil, total, validationf("Fee head %d not found", id)
		}
		if h.BranchID != term.BranchID || h.SessionID != term.SessionID {
			return nil, total, validationf("Fee head %q does not belong to this branch and session", h.Name)
		}
		if !h.IsActive {
			return nil, total, validationf("Fee head %q is inactive", h.Name)
		}
		if len(onTerm) > 0 && !onTerm[id] {
			return nil, total, validationf("Fee head %q is not part of fee term %q", h.Name, term.Name)
		}
	}
	return byID, total, nil
}

// inBranch restricts a query to one branch; 0 leaves it unrestricted
func inBranch(branchID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if branchID == 0 {
			return db
		}
		return db.Where("branch_id = ?", branchID)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func uintPtr(v uint) *uint { return &v }

func timePtr(t time.Time) *time.Time { return &t }
