// Package imagefx is an in-process provider for the enhance-image
// capability: it fetches the source, applies resize, grayscale and sharpen
// transforms, and uploads the result.
package imagefx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/provider"
	"credit-orchestrator/internal/storage"
)

// Fetcher reads a content reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// Provider implements provider.Provider.
type Provider struct {
	fetch        Fetcher
	upload       storage.Uploader
	pricing      provider.PerUnit
	defaultWidth int
}

var _ provider.Provider = (*Provider)(nil)

// options accepted in job.Options.
type options struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Grayscale bool    `json:"grayscale"`
	Sharpen   float64 `json:"sharpen"`
	OutputKey string  `json:"output_key"`
}

// New builds the provider.
func New(fetch Fetcher, upload storage.Uploader, pricing provider.PerUnit, defaultWidth int) *Provider {
	if defaultWidth <= 0 {
		defaultWidth = 320
	}
	return &Provider{fetch: fetch, upload: upload, pricing: pricing, defaultWidth: defaultWidth}
}

// Estimate prices the job from its options.
func (p *Provider) Estimate(_ context.Context, job models.Job) (credits.Amount, error) {
	return p.pricing.Cost(job)
}

// Execute downloads, transforms, and uploads a single image.
func (p *Provider) Execute(ctx context.Context, job models.Job) (provider.Result, error) {
	opts, err := p.decodeOptions(job)
	if err != nil {
		return provider.Result{}, provider.Terminal(err)
	}
	if job.ContentRef == "" {
		return provider.Result{}, provider.Terminal(errors.New("content_ref is required"))
	}

	data, contentType, err := p.fetch.Fetch(ctx, job.ContentRef)
	if err != nil {
		return provider.Result{}, classifyFetch(err)
	}
	if err := ctx.Err(); err != nil {
		return provider.Result{}, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return provider.Result{}, provider.Terminal(fmt.Errorf("decode image: %w", err))
	}

	if opts.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, opts.Width, opts.Height, imaging.Lanczos)
	if opts.Sharpen > 0 {
		img = imaging.Sharpen(img, opts.Sharpen)
	}

	outputFormat := chooseFormat(opts.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return provider.Result{}, provider.Terminal(fmt.Errorf("encode image: %w", err))
	}

	key := opts.OutputKey
	if key == "" {
		key = fmt.Sprintf("enhanced/%s.%s", job.ID, formatExtension(outputFormat))
	}
	ref, err := p.upload.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return provider.Result{}, provider.Transient(fmt.Errorf("upload: %w", err))
	}

	bounds := img.Bounds()
	out, _ := json.Marshal(map[string]any{
		"width":  bounds.Dx(),
		"height": bounds.Dy(),
		"format": formatExtension(outputFormat),
		"bytes":  buf.Len(),
	})
	return provider.Result{Output: out, OutputRef: ref}, nil
}

func (p *Provider) decodeOptions(job models.Job) (options, error) {
	opts := options{}
	raw, err := json.Marshal(job.Options)
	if err != nil {
		return opts, fmt.Errorf("marshal options: %w", err)
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("decode options: %w", err)
	}
	if opts.Width < 0 || opts.Height < 0 || opts.Sharpen < 0 {
		return opts, errors.New("width, height and sharpen must not be negative")
	}
	if opts.Width == 0 && opts.Height == 0 {
		opts.Width = p.defaultWidth
	}
	return opts, nil
}

func classifyFetch(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *storage.StatusError
	if errors.As(err, &se) {
		if se.Retryable() {
			return provider.Transient(err)
		}
		return provider.Terminal(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return provider.Transient(err)
	}
	return provider.Terminal(err)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}
