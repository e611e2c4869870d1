package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-orchestrator/internal/config"
)

type fakePresigner struct {
	bucket, key string
	expires     time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/" + f.key, Method: http.MethodGet}, nil
}

type fakePutter struct {
	key, contentType string
	fail             bool
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail {
		return nil, errors.New("denied")
	}
	f.key, f.contentType = *in.Key, *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func TestResolverURL(t *testing.T) {
	dir := t.TempDir()
	ps := &fakePresigner{}
	r := NewResolver(config.Config{OutputDir: dir, PresignTTL: 5 * time.Minute}, ps)
	ctx := context.Background()

	u, err := r.URL(ctx, "s3://media/in/a.wav")
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/in/a.wav", u)
	assert.Equal(t, "media", ps.bucket)
	assert.Equal(t, 5*time.Minute, ps.expires)

	u, err = r.URL(ctx, "https://cdn.example/x.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/x.png", u)

	u, err = r.URL(ctx, "images/../images/a.png")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "images/a.png"))

	_, err = r.URL(ctx, "file:///etc/passwd")
	assert.ErrorIs(t, err, ErrUnsupportedRef)
	_, err = r.URL(ctx, "ftp://host/file")
	assert.ErrorIs(t, err, ErrUnsupportedRef)

	noS3 := NewResolver(config.Config{OutputDir: dir}, nil)
	_, err = noS3.URL(ctx, "s3://media/a")
	assert.ErrorIs(t, err, ErrUnsupportedRef)
}

func TestLocalUploadThenFetch(t *testing.T) {
	dir := t.TempDir()
	up := &LocalUploader{BaseDir: dir}
	ctx := context.Background()

	ref, err := up.Upload(ctx, "/out/../out/result.txt", []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file://"))
	assert.True(t, strings.HasSuffix(ref, "out/result.txt"))

	r := NewResolver(config.Config{OutputDir: dir}, nil)
	body, ctype, err := r.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Contains(t, ctype, "text/plain")
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	r := NewResolver(config.Config{OutputDir: t.TempDir(), ImageMaxBytes: 32}, nil)
	ctx := context.Background()

	body, ctype, err := r.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, "image/png", ctype)

	_, _, err = r.Fetch(ctx, srv.URL+"/big")
	require.Error(t, err)

	_, _, err = r.Fetch(ctx, srv.URL+"/down")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())
}

func TestS3Uploader(t *testing.T) {
	putter := &fakePutter{}
	up := &S3Uploader{Client: putter, Bucket: "media"}
	ref, err := up.Upload(context.Background(), "/out/a.jpg", []byte("x"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "s3://media/out/a.jpg", ref)
	assert.Equal(t, "out/a.jpg", putter.key)
	assert.Equal(t, "image/jpeg", putter.contentType)

	putter.fail = true
	_, err = up.Upload(context.Background(), "b", nil, "")
	require.Error(t, err)
}
