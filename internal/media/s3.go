package media

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	awsv1 "github.com/aws/aws-sdk-go/aws"
	credsv1 "github.com/aws/aws-sdk-go/aws/credentials"
	sessionv1 "github.com/aws/aws-sdk-go/aws/session"
	s3v1 "github.com/aws/aws-sdk-go/service/s3"
)

// S3Config configures an S3-compatible object store backend.
type S3Config struct {
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
	Bucket   string
}

// Configured reports whether every field required to build a live S3
// client is present.
func (c S3Config) Configured() bool {
	return c.Endpoint != "" && c.Region != "" && c.KeyID != "" && c.AppKey != "" && c.Bucket != ""
}

// S3Backend is an S3-compatible Media Port implementation. When its
// configuration is incomplete, NewS3Backend returns a "null" instance
// whose Save calls fail loudly rather than silently losing uploads —
// mirroring the teacher's NewS3Service "null service" pattern.
type S3Backend struct {
	client *s3v1.S3
	bucket string
}

// NewS3Backend builds an S3Backend. If cfg is incomplete it returns a
// null backend rather than an error, so the caller can fall back to
// LocalDisk.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if !cfg.Configured() {
		log.Println("[Media] S3 configuration incomplete; S3 backend disabled")
		return &S3Backend{}, nil
	}

	disableSSL := strings.HasPrefix(strings.ToLower(cfg.Endpoint), "http://")

	sess, err := sessionv1.NewSession(&awsv1.Config{
		Region:           awsv1.String(cfg.Region),
		Endpoint:         awsv1.String(cfg.Endpoint),
		S3ForcePathStyle: awsv1.Bool(true),
		Credentials:      credsv1.NewStaticCredentials(cfg.KeyID, cfg.AppKey, ""),
		DisableSSL:       awsv1.Bool(disableSSL),
	})
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}

	log.Printf("[Media] S3 backend initialized for bucket %q at %q", cfg.Bucket, cfg.Endpoint)
	return &S3Backend{client: s3v1.New(sess), bucket: cfg.Bucket}, nil
}

func (s *S3Backend) isConfigured() bool {
	return s.client != nil && s.bucket != ""
}

// Save validates content against kind's rules, uniquifies the
// filename, and uploads it as an S3 object keyed by "{kind}s/{name}".
func (s *S3Backend) Save(ctx context.Context, kind Kind, filename string, content []byte) (*Saved, error) {
	if !s.isConfigured() {
		return nil, fmt.Errorf("S3 media backend is not configured")
	}

	safe, err := validate(kind, filename, content)
	if err != nil {
		return nil, err
	}

	newName := uniqueName(safe)
	key := fmt.Sprintf("%ss/%s", kind, newName)
	mimeType := MimeType(newName)

	_, err = s.client.PutObjectWithContext(ctx, &s3v1.PutObjectInput{
		Bucket:      awsv1.String(s.bucket),
		Key:         awsv1.String(key),
		Body:        bytes.NewReader(content),
		ContentType: awsv1.String(mimeType),
	})
	if err != nil {
		return nil, fmt.Errorf("upload object %q to S3: %w", key, err)
	}

	log.Printf("[Media] uploaded %q to bucket %q", key, s.bucket)
	return &Saved{Path: key, Filename: newName, MimeType: mimeType}, nil
}
