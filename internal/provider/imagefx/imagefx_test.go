package imagefx

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/provider"
	"credit-orchestrator/internal/storage"
)

func redSquare(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	// Paint red so we can verify grayscale output has equal channels.
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestExecute_ResizeAndGrayscale(t *testing.T) {
	src := redSquare(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(src)
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		OutputDir:       tempDir,
		DownloadTimeout: 2 * time.Second,
		ImageMaxBytes:   2 * 1024 * 1024,
	}
	p := New(storage.NewResolver(cfg, nil), &storage.LocalUploader{BaseDir: tempDir}, provider.PerUnit{Flat: credits.FromUnits(2)}, 5)

	job := models.Job{
		ID:         "job-1",
		Capability: "enhance-image",
		ContentRef: srv.URL,
		Options: map[string]any{
			"grayscale":  true,
			"width":      5,
			"output_key": "thumbs/test.png",
		},
	}

	cost, err := p.Estimate(context.Background(), job)
	if err != nil || cost != credits.FromUnits(2) {
		t.Fatalf("estimate: cost=%s err=%v", cost, err)
	}

	res, err := p.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasSuffix(res.OutputRef, "thumbs/test.png") {
		t.Fatalf("unexpected output ref %s", res.OutputRef)
	}
	var summary map[string]any
	if err := json.Unmarshal(res.Output, &summary); err != nil || summary["width"].(float64) != 5 {
		t.Fatalf("unexpected output %s err=%v", res.Output, err)
	}

	data, err := os.ReadFile(filepath.Join(tempDir, "thumbs", "test.png"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	outImg, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if outImg.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", outImg.Bounds().Dx())
	}
	r, g, b, _ := outImg.At(0, 0).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}
}

func TestExecute_Classification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			_, _ = w.Write([]byte("not an image"))
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := New(storage.NewResolver(config.Config{OutputDir: dir}, nil), &storage.LocalUploader{BaseDir: dir}, provider.PerUnit{}, 0)

	cases := map[string]provider.Kind{
		"/busy":    provider.KindTransient,
		"/gone":    provider.KindTerminal,
		"/garbage": provider.KindTerminal,
	}
	for path, want := range cases {
		_, err := p.Execute(context.Background(), models.Job{ID: "j", ContentRef: srv.URL + path})
		if err == nil {
			t.Fatalf("%s: expected error", path)
		}
		if got := provider.KindOf(err); got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", path, want, got, err)
		}
	}

	_, err := p.Execute(context.Background(), models.Job{ID: "j"})
	if provider.KindOf(err) != provider.KindTerminal {
		t.Fatalf("missing content ref should be terminal, got %v", err)
	}
}
