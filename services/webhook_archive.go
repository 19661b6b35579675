package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// MinArchiveAgeDays keeps recent deliveries in the database for replay checks
const MinArchiveAgeDays = 7

const archiveBatchSize = 1000

// ObjectPutter is the part of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// WebhookArchiveService moves processed webhook payloads to S3. The event rows stay
// behind with an archived_at stamp so redelivered events are still deduplicated.
type WebhookArchiveService struct {
	db     *gorm.DB
	store  ObjectPutter
	bucket string
	now    func() time.Time
}

// NewWebhookArchiveService loads the default AWS config for region
func NewWebhookArchiveService(db *gorm.DB, region, bucket string) *WebhookArchiveService {
	var store ObjectPutter
	cfg, err := awscfg.LoadDefaultConfig(context.Background(), awscfg.WithRegion(region))
	if err != nil {
		utils.Logger(context.Background()).WithError(err).Warn("Failed to load AWS config; webhook archiving disabled")
	} else {
		store = s3.NewFromConfig(cfg)
	}
	return NewWebhookArchiveServiceWithStore(db, store, bucket)
}

// NewWebhookArchiveServiceWithStore uses an existing object store
func NewWebhookArchiveServiceWithStore(db *gorm.DB, store ObjectPutter, bucket string) *WebhookArchiveService {
	return &WebhookArchiveService{db: db, store: store, bucket: bucket, now: time.Now}
}

type archivedEvent struct {
	ID          uint            `json:"id"`
	Gateway     string          `json:"gateway"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	OrderID     string          `json:"order_id"`
	Deliveries  int             `json:"deliveries"`
	Error       string          `json:"error,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ArchiveProcessed uploads processed events older than daysOld and clears their payloads.
// It returns nil, nil when there is nothing to archive.
func (a *WebhookArchiveService) ArchiveProcessed(ctx context.Context, daysOld int) (*models.WebhookArchive, error) {
	if daysOld < MinArchiveAgeDays {
		return nil, fmt.Errorf("minimum archive age is %d days", MinArchiveAgeDays)
	}
	if a.store == nil || a.bucket == "" {
		return nil, errors.New("object storage not configured")
	}
	log := utils.Logger(ctx)
	now := a.now().UTC()
	cutoff := now.AddDate(0, 0, -daysOld)

	var events []archivedEvent
	var ids []uint
	lastID := uint(0)
	for {
		var batch []models.WebhookEvent
		err := a.db.WithContext(ctx).
			Where("id > ? AND processed_at IS NOT NULL AND archived_at IS NULL AND created_at < ?", lastID, cutoff).
			Order("id").
			Limit(archiveBatchSize).
			Find(&batch).Error
		if err != nil {
			return nil, errors.Wrap(err, "fetch webhook events for archiving")
		}
		for _, ev := range batch {
			events = append(events, archivedEvent{
				ID:          ev.ID,
				Gateway:     ev.Gateway,
				EventID:     ev.EventID,
				EventType:   ev.EventType,
				OrderID:     ev.OrderID,
				Deliveries:  ev.Deliveries,
				Error:       ev.Error,
				ProcessedAt: ev.ProcessedAt,
				CreatedAt:   ev.CreatedAt,
				Payload:     json.RawMessage(ev.Payload),
			})
			ids = append(ids, ev.ID)
		}
		if len(batch) < archiveBatchSize {
			break
		}
		lastID = batch[len(batch)-1].ID
	}

	if len(events) == 0 {
		log.Info("No webhook events to archive")
		return nil, nil
	}

	fileName := fmt.Sprintf("webhook_events_%s.zip", cutoff.Format("2006-01-02"))
	buf, err := buildWebhookArchive(events, fileName, now)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("webhooks/archived/%d/%02d/%s", cutoff.Year(), cutoff.Month(), fileName)
	_, err = a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "upload webhook archive")
	}

	archive := models.WebhookArchive{
		FileName:    fileName,
		StorageKey:  key,
		FromDate:    events[0].CreatedAt,
		ToDate:      events[len(events)-1].CreatedAt,
		RecordCount: len(events),
		FileSize:    int64(buf.Len()),
	}
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += archiveBatchSize {
			end := start + archiveBatchSize
			if end > len(ids) {
				end = len(ids)
			}
			if err := tx.Model(&models.WebhookEvent{}).Where("id IN ?", ids[start:end]).
				Updates(map[string]interface{}{"archived_at": now, "payload": nil}).Error; err != nil {
				return err
			}
		}
		return tx.Create(&archive).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "mark webhook events archived")
	}

	log.WithField("storage_key", key).Infof("Archived %d webhook events", len(events))
	return &archive, nil
}

// ListArchives returns archive metadata, newest first
func (a *WebhookArchiveService) ListArchives(ctx context.Context) ([]models.WebhookArchive, error) {
	var out []models.WebhookArchive
	if err := a.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list webhook archives")
	}
	return out, nil
}

// buildWebhookArchive writes events.json, events.csv and metadata.json into a zip
func buildWebhookArchive(events []archivedEvent, fileName string, now time.Time) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	jf, err := zw.Create("events.json")
	if err != nil {
		return nil, errors.Wrap(err, "create events.json")
	}
	enc := json.NewEncoder(jf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"export_date":    now,
		"record_count":   len(events),
		"format_version": "1.0",
		"events":         events,
	}); err != nil {
		return nil, errors.Wrap(err, "encode events")
	}

	cf, err := zw.Create("events.csv")
	if err != nil {
		return nil, errors.Wrap(err, "create events.csv")
	}
	w := csv.NewWriter(cf)
	_ = w.Write([]string{"ID", "Gateway", "Event ID", "Event Type", "Order ID", "Deliveries", "Error", "Processed At", "Created At"})
	for _, ev := range events {
		processed := ""
		if ev.ProcessedAt != nil {
			processed = ev.ProcessedAt.UTC().Format(time.RFC3339)
		}
		_ = w.Write([]string{
			strconv.FormatUint(uint64(ev.ID), 10),
			ev.Gateway,
			ev.EventID,
			ev.EventType,
			ev.OrderID,
			strconv.Itoa(ev.Deliveries),
			ev.Error,
			processed,
			ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "write events.csv")
	}

	mf, err := zw.Create("metadata.json")
	if err != nil {
		return nil, errors.Wrap(err, "create metadata.json")
	}
	if err := json.NewEncoder(mf).Encode(map[string]interface{}{
		"file_name":    fileName,
		"created_at":   now,
		"record_count": len(events),
		"date_range": map[string]interface{}{
			"start": events[0].CreatedAt,
			"end":   events[len(events)-1].CreatedAt,
		},
		"description": "Payment gateway webhook deliveries",
	}); err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}

	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "close archive")
	}
	return buf, nil
}
