package finance

import (
	"context"
	"sync"
	"testing"
	"time"

	"schoolfees_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryLinkCache struct {
	mu      sync.Mutex
	entries map[string]uint
	hits    int
}

func (c *memoryLinkCache) Get(_ context.Context, token string) (uint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[token]
	if ok {
		c.hits++
	}
	return id, ok
}

func (c *memoryLinkCache) Set(_ context.Context, token string, id uint, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = id
}

func (c *memoryLinkCache) Delete(_ context.Context, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

func TestPaymentLinks(t *testing.T) {
	f := newFixture(t)
	cache := &memoryLinkCache{entries: map[string]uint{}}
	f.svc.links = cache

	_, err := f.svc.RecordManualCollection(f.ctx, ManualCollectionInput{
		BranchID: f.branch.ID, SessionID: f.session.ID, StudentID: f.student.ID, FeeTermID: f.term.ID,
		PaymentMode: models.PaymentModeCash,
		Items:       []FeeAmount{{FeeHeadID: f.transport.ID, Amount: dec("2000")}},
	})
	require.NoError(t, err)

	link, err := f.svc.CreatePaymentLink(f.ctx, PaymentLinkInput{BranchID: f.branch.ID, StudentID: f.student.ID, CreatedBy: 4})
	require.NoError(t, err)
	assert.Len(t, link.Token, 32)
	assert.Equal(t, f.now.Add(DefaultLinkExpiryHours*time.Hour), link.ExpiresAt)
	assert.Equal(t, link.ID, cache.entries[link.Token])

	view, err := f.svc.ResolvePaymentLink(f.ctx, link.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, "Asha Rao", view.StudentName)
	assert.Equal(t, "A", view.SectionName)
	require.Len(t, view.Terms, 1)
	require.Len(t, view.Terms[0].Lines, 1)
	assert.Equal(t, f.tuition.ID, view.Terms[0].Lines[0].FeeHeadID)
	assertDecimal(t, "10000", view.TotalOutstanding)

	_, err = f.svc.ResolvePaymentLink(f.ctx, link.Token)
	require.NoError(t, err)
	var stored models.PaymentLink
	require.NoError(t, f.db.First(&stored, link.ID).Error)
	assert.Equal(t, 2, stored.AccessCount)
	assert.NotNil(t, stored.LastAccessedAt)

	_, err = f.svc.ResolvePaymentLink(f.ctx, "missing")
	assert.True(t, IsKind(err, KindNotFound))

	require.NoError(t, f.svc.DeactivatePaymentLink(f.ctx, link.ID, f.branch.ID))
	_, ok := cache.entries[link.Token]
	assert.False(t, ok)
	_, err = f.svc.ResolvePaymentLink(f.ctx, link.Token)
	assert.True(t, IsKind(err, KindPrecondition))

	links, err := f.svc.ListPaymentLinks(f.ctx, f.student.ID, f.branch.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestPaymentLinkExpiry(t *testing.T) {
	f := newFixture(t)
	link, err := f.svc.CreatePaymentLink(f.ctx, PaymentLinkInput{BranchID: f.branch.ID, StudentID: f.student.ID, ExpiryHours: 1})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.svc.ResolvePaymentLink(f.ctx, link.Token)
	assert.True(t, IsKind(err, KindPrecondition))

	_, err = f.svc.CreatePaymentLink(f.ctx, PaymentLinkInput{BranchID: f.branch.ID, StudentID: f.student.ID, ExpiryHours: MaxLinkExpiryHours + 1})
	assert.True(t, IsKind(err, KindValidation))
}
