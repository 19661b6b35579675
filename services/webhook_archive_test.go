package services

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"schoolfees_go/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type memoryStore struct {
	keys   []string
	bodies [][]byte
}

func (m *memoryStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.keys = append(m.keys, aws.ToString(in.Key))
	m.bodies = append(m.bodies, b)
	return &s3.PutObjectOutput{}, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
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

func TestArchiveProcessedWebhooks(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2025, 6, 30, 2, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40)
	processed := old.Add(time.Minute)

	events := []models.WebhookEvent{
		{Gateway: "razorpay", EventID: "evt_old", EventType: "payment.captured", OrderID: "order_1", Payload: datatypes.JSON(`{"a":1}`), ProcessedAt: &processed, CreatedAt: old},
		{Gateway: "razorpay", EventID: "evt_unprocessed", EventType: "payment.captured", OrderID: "order_2", Payload: datatypes.JSON(`{"a":2}`), CreatedAt: old},
		{Gateway: "razorpay", EventID: "evt_recent", EventType: "payment.failed", OrderID: "order_3", Payload: datatypes.JSON(`{"a":3}`), ProcessedAt: &now, CreatedAt: now.AddDate(0, 0, -1)},
	}
	require.NoError(t, db.Create(&events).Error)

	store := &memoryStore{}
	svc := NewWebhookArchiveServiceWithStore(db, store, "bucket")
	svc.now = func() time.Time { return now }

	archive, err := svc.ArchiveProcessed(context.Background(), 30)
	require.NoError(t, err)
	require.NotNil(t, archive)
	assert.Equal(t, 1, archive.RecordCount)
	require.Len(t, store.keys, 1)
	assert.Equal(t, "webhooks/archived/2025/05/webhook_events_2025-05-31.zip", store.keys[0])

	zr, err := zip.NewReader(bytes.NewReader(store.bodies[0]), int64(len(store.bodies[0])))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"events.json", "events.csv", "metadata.json"}, names)

	var archived models.WebhookEvent
	require.NoError(t, db.Where("event_id = ?", "evt_old").First(&archived).Error)
	assert.NotNil(t, archived.ArchivedAt)
	assert.Empty(t, archived.Payload)

	var untouched models.WebhookEvent
	require.NoError(t, db.Where("event_id = ?", "evt_unprocessed").First(&untouched).Error)
	assert.Nil(t, untouched.ArchivedAt)

	// nothing left to archive
	again, err := svc.ArchiveProcessed(context.Background(), 30)
	require.NoError(t, err)
	assert.Nil(t, again)

	list, err := svc.ListArchives(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestArchiveProcessedRejectsShortRetention(t *testing.T) {
	svc := NewWebhookArchiveServiceWithStore(openTestDB(t), &memoryStore{}, "bucket")
	_, err := svc.ArchiveProcessed(context.Background(), 3)
	assert.Error(t, err)
}
