// Package storage resolves content references handed to providers and
// stores the outputs they produce. The orchestrator itself only ever passes
// references around.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"credit-orchestrator/internal/config"
)

// ErrUnsupportedRef is returned for references no backend understands.
var ErrUnsupportedRef = errors.New("storage: unsupported reference")

// Presigner is the subset of s3.PresignClient the resolver needs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Resolver turns references into something a provider can read.
type Resolver struct {
	presign    Presigner
	ttl        time.Duration
	baseDir    string
	httpClient *http.Client
	maxBytes   int64
}

// NewResolver builds a resolver. presign may be nil when S3 is not
// configured; s3:// references then fail.
func NewResolver(cfg config.Config, presign Presigner) *Resolver {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.OutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	limit := cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	return &Resolver{
		presign:    presign,
		ttl:        cfg.PresignTTL,
		baseDir:    baseDir,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   limit,
	}
}

// URL returns a readable location for ref: a presigned URL for s3://, the
// reference itself for http(s)://, and a filesystem path for file:// or
// bare keys under the output directory.
func (r *Resolver) URL(ctx context.Context, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse ref: %w", err)
	}
	switch u.Scheme {
	case "s3":
		if r.presign == nil {
			return "", fmt.Errorf("%w: s3 is not configured", ErrUnsupportedRef)
		}
		ttl := r.ttl
		if ttl <= 0 {
			ttl = 15 * time.Minute
		}
		req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("presign %s: %w", ref, err)
		}
		return req.URL, nil
	case "http", "https":
		return ref, nil
	case "file", "":
		return r.localPath(u)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedRef, u.Scheme)
	}
}

// Fetch reads the referenced content, bounded by IMAGE_MAX_BYTES.
func (r *Resolver) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	loc, err := r.URL(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		return r.download(ctx, loc)
	}
	f, err := os.Open(loc)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", ref, err)
	}
	defer f.Close()
	body, err := readLimited(f, r.maxBytes)
	if err != nil {
		return nil, "", err
	}
	return body, http.DetectContentType(body), nil
}

func (r *Resolver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", &StatusError{Code: resp.StatusCode}
	}
	body, err := readLimited(resp.Body, r.maxBytes)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (r *Resolver) localPath(u *url.URL) (string, error) {
	base, err := filepath.Abs(r.baseDir)
	if err != nil {
		return "", err
	}
	var p string
	if u.Scheme == "file" {
		p = filepath.Clean(u.Path)
	} else {
		p = filepath.Join(base, SanitizeKey(u.Path))
	}
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path outside output directory", ErrUnsupportedRef)
	}
	return p, nil
}

// StatusError reports an HTTP failure while fetching content.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("download: status %d", e.Code) }

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("content too large (>%d bytes)", limit)
	}
	return body, nil
}

// SanitizeKey strips leading separators and dot segments from an object key.
func SanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}

// Uploader stores bytes and returns a reference to them.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// LocalUploader writes under a base directory.
type LocalUploader struct {
	BaseDir string
}

// Upload writes body to BaseDir/key and returns a file:// reference.
func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	base, err := filepath.Abs(l.BaseDir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(base, SanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

// S3Putter is the subset of s3.Client the uploader needs.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes objects into one bucket.
type S3Uploader struct {
	Client S3Putter
	Bucket string
}

// Upload puts body at key and returns an s3:// reference.
func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = SanitizeKey(key)
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}

// NewS3Client loads AWS configuration, honoring a custom endpoint for
// S3-compatible stores such as MinIO.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// FromConfig wires the resolver and the preferred uploader: S3 when a
// bucket is configured, local disk otherwise.
func FromConfig(ctx context.Context, cfg config.Config) (*Resolver, Uploader, error) {
	if cfg.S3Bucket == "" {
		return NewResolver(cfg, nil), &LocalUploader{BaseDir: cfg.OutputDir}, nil
	}
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewResolver(cfg, s3.NewPresignClient(client)), &S3Uploader{Client: client, Bucket: cfg.S3Bucket}, nil
}
