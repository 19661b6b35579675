package finance

import (
	"context"
	"strconv"
	"strings"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/utils"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	DefaultLinkExpiryHours = 168
	MaxLinkExpiryHours     = 720
)

// LinkCache maps payment link tokens to link ids
type LinkCache interface {
	Get(ctx context.Context, token string) (uint, bool)
	Set(ctx context.Context, token string, linkID uint, ttl time.Duration)
	Delete(ctx context.Context, token string)
}

// RedisLinkCache stores tokens under "paylink:<token>"
type RedisLinkCache struct {
	client *redis.Client
}

func NewRedisLinkCache(client *redis.Client) *RedisLinkCache {
	return &RedisLinkCache{client: client}
}

func linkKey(token string) string {
	return "paylink:" + token
}

func (c *RedisLinkCache) Get(ctx context.Context, token string) (uint, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	v, err := c.client.Get(ctx, linkKey(token)).Result()
	if err != nil {
		if err != redis.Nil {
			utils.Logger(ctx).WithError(err).Warn("payment link cache read failed")
		}
		return 0, false
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

func (c *RedisLinkCache) Set(ctx context.Context, token string, linkID uint, ttl time.Duration) {
	if c == nil || c.client == nil || ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, linkKey(token), strconv.FormatUint(uint64(linkID), 10), ttl).Err(); err != nil {
		utils.Logger(ctx).WithError(err).Warn("payment link cache write failed")
	}
}

func (c *RedisLinkCache) Delete(ctx context.Context, token string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, linkKey(token)).Err(); err != nil {
		utils.Logger(ctx).WithError(err).Warn("payment link cache delete failed")
	}
}

// PaymentLinkInput creates a shareable link for a student's outstanding fees
type PaymentLinkInput struct {
	BranchID    uint `json:"branch_id"`
	StudentID   uint `json:"student_id" validate:"required"`
	ExpiryHours int  `json:"expiry_hours"`
	CreatedBy   uint `json:"-"`
}

// PaymentLinkTerm groups the unpaid lines of one term
type PaymentLinkTerm struct {
	FeeTermID   uint            `json:"fee_term_id"`
	FeeTermName string          `json:"fee_term_name"`
	DueDate     time.Time       `json:"due_date"`
	Lines       []FeeDetail     `json:"lines"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// PaymentLinkView is what a parent sees when opening a link
type PaymentLinkView struct {
	LinkID           uint              `json:"link_id"`
	StudentID        uint              `json:"student_id"`
	StudentName      string            `json:"student_name"`
	AdmissionNo      string            `json:"admission_no"`
	SectionName      string            `json:"section_name"`
	ExpiresAt        time.Time         `json:"expires_at"`
	Terms            []PaymentLinkTerm `json:"terms"`
	TotalOutstanding decimal.Decimal   `json:"total_outstanding"`
}

func (s *Service) CreatePaymentLink(ctx context.Context, in PaymentLinkInput) (*models.PaymentLink, error) {
	hours := in.ExpiryHours
	if hours == 0 {
		hours = DefaultLinkExpiryHours
	}
	if hours < 1 || hours > MaxLinkExpiryHours {
		return nil, validationf("Expiry hours must be between 1 and %d", MaxLinkExpiryHours)
	}
	db := s.dbc(ctx)
	student, err := s.loadStudent(db, in.StudentID, in.BranchID)
	if err != nil {
		return nil, err
	}
	if !student.Active {
		return nil, validationf("Student is not active")
	}

	now := s.clock()
	link := models.PaymentLink{
		BranchID:  student.BranchID,
		SessionID: student.SessionID,
		StudentID: student.ID,
		Token:     strings.ReplaceAll(uuid.New().String(), "-", ""),
		ExpiresAt: now.Add(time.Duration(hours) * time.Hour),
		IsActive:  true,
		CreatedBy: in.CreatedBy,
	}
	if err := db.Create(&link).Error; err != nil {
		return nil, internal(err, "create payment link")
	}
	if s.links != nil {
		s.links.Set(ctx, link.Token, link.ID, link.ExpiresAt.Sub(now))
	}

	utils.Logger(ctx).WithFields(logrus.Fields{
		"payment_link_id": link.ID,
		"student_id":      link.StudentID,
		"expires_at":      link.ExpiresAt,
	}).Info("payment link created")
	return &link, nil
}

// ResolvePaymentLink returns the student's unpaid fees behind a token and counts the access
func (s *Service) ResolvePaymentLink(ctx context.Context, token string) (*PaymentLinkView, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, notFoundf("Payment link not found")
	}
	db := s.dbc(ctx)
	now := s.clock()

	var link models.PaymentLink
	if id, ok := s.cachedLink(ctx, token); ok {
		if err := db.First(&link, id).Error; err != nil && !isNotFound(err) {
			return nil, internal(err, "load payment link")
		}
	}
	if link.ID == 0 || link.Token != token {
		if err := db.Where("token = ?", token).First(&link).Error; err != nil {
			return nil, notFoundOr(err, "Payment link", "load payment link")
		}
	}
	if !link.IsActive {
		return nil, preconditionf("Payment link is no longer active")
	}
	if !now.Before(link.ExpiresAt) {
		return nil, preconditionf("Payment link has expired")
	}

	var student models.Student
	if err := db.Preload("Section").First(&student, link.StudentID).Error; err != nil {
		return nil, notFoundOr(err, "Student", "load student")
	}
	rows, err := s.projectLedger(db, &student, nil, now)
	if err != nil {
		return nil, err
	}

	view := &PaymentLinkView{
		LinkID:           link.ID,
		StudentID:        student.ID,
		StudentName:      student.FullName(),
		AdmissionNo:      student.AdmissionNo,
		SectionName:      student.Section.Name,
		ExpiresAt:        link.ExpiresAt,
		Terms:            []PaymentLinkTerm{},
		TotalOutstanding: decimal.Zero,
	}
	index := map[uint]int{}
	for _, r := range rows {
		if !r.Outstanding.IsPositive() {
			continue
		}
		i, ok := index[r.FeeTermID]
		if !ok {
			view.Terms = append(view.Terms, PaymentLinkTerm{
				FeeTermID:   r.FeeTermID,
				FeeTermName: r.FeeTermName,
				DueDate:     r.DueDate,
				Outstanding: decimal.Zero,
			})
			i = len(view.Terms) - 1
			index[r.FeeTermID] = i
		}
		view.Terms[i].Lines = append(view.Terms[i].Lines, r)
		view.Terms[i].Outstanding = view.Terms[i].Outstanding.Add(r.Outstanding)
		view.TotalOutstanding = view.TotalOutstanding.Add(r.Outstanding)
	}

	err = db.Model(&link).Updates(map[string]interface{}{
		"access_count":     gorm.Expr("access_count + 1"),
		"last_accessed_at": now,
	}).Error
	if err != nil {
		utils.Logger(ctx).WithError(err).WithField("payment_link_id", link.ID).Warn("failed to record payment link access")
	}
	return view, nil
}

func (s *Service) cachedLink(ctx context.Context, token string) (uint, bool) {
	if s.links == nil {
		return 0, false
	}
	return s.links.Get(ctx, token)
}

// DeactivatePaymentLink disables a link and drops it from the cache
func (s *Service) DeactivatePaymentLink(ctx context.Context, id, branchID uint) error {
	db := s.dbc(ctx)
	var link models.PaymentLink
	if err := db.Scopes(inBranch(branchID)).First(&link, id).Error; err != nil {
		return notFoundOr(err, "Payment link", "load payment link")
	}
	if err := db.Model(&link).Update("is_active", false).Error; err != nil {
		return internal(err, "deactivate payment link")
	}
	if s.links != nil {
		s.links.Delete(ctx, link.Token)
	}
	return nil
}

// ListPaymentLinks returns a student's links newest first
func (s *Service) ListPaymentLinks(ctx context.Context, studentID, branchID uint) ([]models.PaymentLink, error) {
	var out []models.PaymentLink
	err := s.dbc(ctx).Scopes(inBranch(branchID)).Where("student_id = ?", studentID).Order("id DESC").Find(&out).Error
	if err != nil {
		return nil, internal(err, "list payment links")
	}
	return out, nil
}
