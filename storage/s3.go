package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"schoolfees_go/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
)

const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// StorageService stores generated reports in S3 and hands out time-limited download links
type StorageService struct {
	s3Client s3iface.S3API
	bucket   string
}

// NewStorageService creates a new storage service from AppConfig
func NewStorageService() (*StorageService, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(config.AppConfig.AWSRegion),
		Credentials: credentials.NewStaticCredentials(
			config.AppConfig.AWSAccessKeyID,
			config.AppConfig.AWSSecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %v", err)
	}
	return NewStorageServiceWithClient(s3.New(sess), config.AppConfig.S3BucketName), nil
}

// NewStorageServiceWithClient wraps an existing S3 client
func NewStorageServiceWithClient(client s3iface.S3API, bucket string) *StorageService {
	return &StorageService{s3Client: client, bucket: bucket}
}

// ReportKey builds reports/<folder>/<yyyy>/<mm>/<dd>/<random>-<name>
func ReportKey(folder, name string, now time.Time) string {
	name = strings.ReplaceAll(path.Base(name), " ", "_")
	return fmt.Sprintf("reports/%s/%d/%02d/%02d/%s-%s",
		strings.Trim(folder, "/"),
		now.Year(),
		now.Month(),
		now.Day(),
		uuid.NewString()[:8],
		name,
	)
}

// UploadReport stores a private, server-side encrypted report object
func (s *StorageService) UploadReport(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %v", err)
	}
	return nil
}

// DownloadURL presigns a GET for key valid for ttl
func (s *StorageService) DownloadURL(key string, ttl time.Duration) (string, error) {
	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign S3 url: %v", err)
	}
	return url, nil
}
