package finance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/services/gateway"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeGateway is an in-memory provider. Webhook bodies are JSON fakeEvent values and
// are accepted only with the signature "valid".
type fakeGateway struct {
	mu         sync.Mutex
	name       string
	configured bool
	orderErr   error
	orders     int
}

type fakeEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{name: "fakepay", configured: true}
}

func (g *fakeGateway) Name() string       { return g.name }
func (g *fakeGateway) IsConfigured() bool { return g.configured }

func (g *fakeGateway) CreateOrder(_ context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	g.orders++
	id := fmt.Sprintf("order_%d", g.orders)
	return &gateway.Order{
		ID:              id,
		Amount:          req.Amount,
		Currency:        req.Currency,
		CheckoutPayload: map[string]interface{}{"order_id": id},
		Raw:             []byte(fmt.Sprintf(`{"id":%q}`, id)),
	}, nil
}

func (g *fakeGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return signature == orderID+"|"+paymentID
}

func (g *fakeGateway) ParseWebhook(req gateway.WebhookRequest) (gateway.Event, error) {
	if req.Signature != "valid" {
		return nil, gateway.ErrInvalidSignature
	}
	var ev fakeEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, gateway.ErrMalformedPayload
	}
	switch ev.Type {
	case gateway.KindPaymentCaptured:
		amount, _ := decimal.NewFromString(ev.Amount)
		return gateway.PaymentCaptured{EventID: ev.ID, OrderID: ev.OrderID, PaymentID: ev.PaymentID, Amount: amount, Currency: "INR"}, nil
	case gateway.KindPaymentFailed:
		return gateway.PaymentFailed{EventID: ev.ID, OrderID: ev.OrderID, PaymentID: ev.PaymentID, Reason: ev.Reason}, nil
	case gateway.KindOrderExpired:
		return gateway.OrderExpired{EventID: ev.ID, OrderID: ev.OrderID}, nil
	}
	return nil, gateway.ErrUnsupportedEvent
}

func webhookBody(t *testing.T, ev fakeEvent) gateway.WebhookRequest {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return gateway.WebhookRequest{Body: body, Signature: "valid"}
}

type recordingNotifier struct {
	mu         sync.Mutex
	completed  []uint
	failed     []string
	exceptions []string
	resolved   []uint
}

func (n *recordingNotifier) PaymentCompleted(_ context.Context, req models.PaymentRequest, _ models.FeeCollection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, req.ID)
}

func (n *recordingNotifier) PaymentFailed(_ context.Context, _ models.PaymentRequest, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, reason)
}

func (n *recordingNotifier) ExceptionOpened(_ context.Context, ex models.ReconciliationException) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exceptions = append(n.exceptions, ex.Kind)
}

func (n *recordingNotifier) ExceptionResolved(_ context.Context, ex models.ReconciliationException) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, ex.ID)
}

// fixture is one branch with a session, a section, a student and a term priced at
// Tuition 10000 + Transport 2000.
type fixture struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	svc      *Service
	gw       *fakeGateway
	notifier *recordingNotifier
	now      time.Time

	branch    models.Branch
	session   models.AcademicSession
	section   models.Section
	student   models.Student
	term      models.FeeTerm
	tuition   models.FeeHead
	transport models.FeeHead
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		db:       newTestDB(t),
		gw:       newFakeGateway(),
		notifier: &recordingNotifier{},
		now:      time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.db, gateway.NewRegistry("fakepay", f.gw),
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return f.now }),
	)

	f.branch = models.Branch{Name: "Main Campus", Code: "MAIN", Active: true}
	require.NoError(t, f.db.Create(&f.branch).Error)
	f.session = models.AcademicSession{BranchID: f.branch.ID, Name: "2025-26", IsCurrent: true,
		StartDate: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, f.db.Create(&f.session).Error)
	f.section = models.Section{BranchID: f.branch.ID, SessionID: f.session.ID, ClassName: "Grade 5", Name: "A"}
	require.NoError(t, f.db.Create(&f.section).Error)
	f.student = f.addStudent("Asha", "Rao")

	f.tuition = f.addHead("Tuition")
	f.transport = f.addHead("Transport")

	term, err := f.svc.CreateFeeTerm(f.ctx, FeeTermInput{
		BranchID:   f.branch.ID,
		SessionID:  f.session.ID,
		Name:       "Term 1",
		StartDate:  time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC),
		DueDate:    time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
		FeeHeadIDs: []uint{f.tuition.ID, f.transport.ID},
	})
	require.NoError(t, err)
	f.term = *term

	_, err = f.svc.SetSectionFees(f.ctx, f.section.ID, f.term.ID, []FeeAmount{
		{FeeHeadID: f.tuition.ID, Amount: dec("10000")},
		{FeeHeadID: f.transport.ID, Amount: dec("2000")},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) addStudent(first, last string) models.Student {
	f.t.Helper()
	st := models.Student{
		BranchID:     f.branch.ID,
		SessionID:    f.session.ID,
		SectionID:    f.section.ID,
		AdmissionNo:  fmt.Sprintf("ADM-%s", strings.ToUpper(first)),
		FirstName:    first,
		LastName:     last,
		StudentType:  models.StudentTypeOldStudent,
		GuardianName: "Guardian " + last,
		Active:       true,
	}
	require.NoError(f.t, f.db.Create(&st).Error)
	return st
}

func (f *fixture) addHead(name string) models.FeeHead {
	f.t.Helper()
	h, err := f.svc.CreateFeeHead(f.ctx, FeeHeadInput{BranchID: f.branch.ID, SessionID: f.session.ID, Name: name})
	require.NoError(f.t, err)
	return *h
}

// otherBranch creates a second branch with its own session and fee head
func (f *fixture) otherBranch() (models.Branch, models.FeeHead) {
	f.t.Helper()
	b := models.Branch{Name: "North Campus", Code: "NORTH", Active: true}
	require.NoError(f.t, f.db.Create(&b).Error)
	sess := models.AcademicSession{BranchID: b.ID, Name: "2025-26"}
	require.NoError(f.t, f.db.Create(&sess).Error)
	h, err := f.svc.CreateFeeHead(f.ctx, FeeHeadInput{BranchID: b.ID, SessionID: sess.ID, Name: "Tuition"})
	require.NoError(f.t, err)
	return b, *h
}

func (f *fixture) admin() Actor {
	return Actor{UserID: 1, Role: "admin"}
}

func (f *fixture) paymentInput(fees ...FeeAmount) PaymentRequestInput {
	return PaymentRequestInput{
		BranchID:  f.branch.ID,
		SessionID: f.session.ID,
		StudentID: f.student.ID,
		FeeTermID: f.term.ID,
		Fees:      fees,
	}
}

func (f *fixture) createPayment(fees ...FeeAmount) *PaymentRequestResult {
	f.t.Helper()
	res, err := f.svc.CreatePaymentRequest(f.ctx, f.paymentInput(fees...))
	require.NoError(f.t, err)
	return res
}

func (f *fixture) feeRow(details *StudentFeeDetails, headID uint) FeeDetail {
	f.t.Helper()
	for _, r := range details.Rows {
		if r.FeeHeadID == headID && r.FeeTermID == f.term.ID {
			return r
		}
	}
	f.t.Fatalf("no ledger row for fee head %d", headID)
	return FeeDetail{}
}

func (f *fixture) count(model interface{}) int64 {
	f.t.Helper()
	var n int64
	require.NoError(f.t, f.db.Model(model).Count(&n).Error)
	return n
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// assertDecimal compares money values numerically
func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

// slabAmounts returns section fees keyed by term then head
func slabAmounts(rows []models.ClasswiseFee) map[uint]map[uint]decimal.Decimal {
	out := map[uint]map[uint]decimal.Decimal{}
	for _, r := range rows {
		if out[r.FeeTermID] == nil {
			out[r.FeeTermID] = map[uint]decimal.Decimal{}
		}
		out[r.FeeTermID][r.FeeHeadID] = r.Amount
	}
	return out
}

// failWrites makes every create or update against table fail until the returned func is called
func (f *fixture) failWrites(table string) func() {
	return f.failWritesWhen("fail_"+table, func(db *gorm.DB) bool { return db.Statement.Table == table })
}

// failWritesWhen fails the creates and updates selected by match
func (f *fixture) failWritesWhen(name string, match func(db *gorm.DB) bool) func() {
	f.t.Helper()
	name = "test:" + name
	fail := func(db *gorm.DB) {
		if match(db) {
			_ = db.AddError(errors.New("disk full"))
		}
	}
	require.NoError(f.t, f.db.Callback().Create().Before("gorm:create").Register(name, fail))
	require.NoError(f.t, f.db.Callback().Update().Before("gorm:update").Register(name, fail))
	return func() {
		require.NoError(f.t, f.db.Callback().Create().Remove(name))
		require.NoError(f.t, f.db.Callback().Update().Remove(name))
	}
}
