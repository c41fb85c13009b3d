package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"creditgen-go/internal/models"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Storage buckets
const (
	BucketImages    = "img"
	BucketVideos    = "vid"
	BucketProcessed = "processed"
	BucketUploads   = "upl"
)

// BucketFor routes a media kind to its storage bucket.
func BucketFor(kind models.MediaKind) string {
	switch kind {
	case models.KindVideo:
		return BucketVideos
	case models.KindImageEdit:
		return BucketProcessed
	case models.KindImage:
		return BucketImages
	default:
		return BucketUploads
	}
}

var extensionsByType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// DefaultMaxBytes caps a single artifact when no limit is configured.
const DefaultMaxBytes = 100 << 20

// ErrTooLarge is returned for artifacts above the configured size cap.
var ErrTooLarge = errors.New("artifact exceeds size limit")

// Rehoster copies provider artifacts into owned storage.
type Rehoster struct {
	dir          string
	baseURL      string
	fetchTimeout time.Duration
	maxBytes     int64
	client       *http.Client
	buckets      map[models.MediaKind]string
	group        singleflight.Group
}

func NewRehoster(cfg models.ArtifactConfig, client *http.Client) (*Rehoster, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("artifact directory cannot be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create artifact directory: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}

	return &Rehoster{
		dir:          cfg.Dir,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		fetchTimeout: cfg.FetchTimeout,
		maxBytes:     cfg.MaxBytes,
		client:       client,
		buckets:      make(map[models.MediaKind]string),
	}, nil
}

// SetBucket overrides the bucket used for kind.
func (r *Rehoster) SetBucket(kind models.MediaKind, bucket string) {
	if bucket != "" {
		r.buckets[kind] = bucket
	}
}

func (r *Rehoster) bucketFor(kind models.MediaKind) string {
	if bucket, ok := r.buckets[kind]; ok {
		return bucket
	}
	return BucketFor(kind)
}

// Rehost downloads sourceURL and returns the owned URL. Concurrent calls for
// the same provider job share one download, and the object name is derived
// from the provider job id so a repeated copy overwrites the first.
func (r *Rehoster) Rehost(ctx context.Context, kind models.MediaKind, providerJobId, sourceURL string) (string, error) {
	key := providerJobId
	if key == "" {
		key = sourceURL
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.download(ctx, kind, key, sourceURL)
	})
	if err != nil {
		return "", err
	}
	if shared {
		zap.L().Debug("Shared artifact download", zap.String("provider_job_id", providerJobId))
	}
	return v.(string), nil
}

func (r *Rehoster) download(ctx context.Context, kind models.MediaKind, name, sourceURL string) (string, error) {
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid artifact url: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact download failed: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			zap.L().Warn("Failed to close artifact response body", zap.Error(err))
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("artifact download returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > r.maxBytes {
		return "", fmt.Errorf("%w: %d bytes declared, limit %d", ErrTooLarge, resp.ContentLength, r.maxBytes)
	}

	ext := extensionFor(sourceURL, resp.Header.Get("Content-Type"))
	return r.write(kind, name, ext, resp.Body)
}

// Store persists inline provider bytes.
func (r *Rehoster) Store(ctx context.Context, kind models.MediaKind, name string, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("artifact data cannot be empty")
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), r.maxBytes)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.write(kind, name, extensionFor("", mimeType), bytes.NewReader(data))
}

func (r *Rehoster) write(kind models.MediaKind, name, ext string, src io.Reader) (string, error) {
	bucket := r.bucketFor(kind)
	bucketDir := filepath.Join(r.dir, bucket)
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return "", fmt.Errorf("unable to create bucket directory: %w", err)
	}

	fileName := slug.Make(name)
	if fileName == "" {
		return "", fmt.Errorf("artifact name %q has no usable characters", name)
	}
	fileName += ext

	tmp, err := os.CreateTemp(bucketDir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("unable to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// One byte past the cap is read so an oversized body is detected.
	written, err := io.Copy(tmp, io.LimitReader(src, r.maxBytes+1))
	if err == nil && written > r.maxBytes {
		err = fmt.Errorf("%w: limit %d", ErrTooLarge, r.maxBytes)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("unable to write artifact: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(bucketDir, fileName)); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("unable to store artifact: %w", err)
	}

	location := r.baseURL + "/" + bucket + "/" + fileName
	zap.L().Info("Artifact stored",
		zap.String("bucket", bucket),
		zap.String("file", fileName),
		zap.Int64("bytes", written),
		zap.String("location", location))

	return location, nil
}

func extensionFor(sourceURL, contentType string) string {
	if sourceURL != "" {
		if u, err := url.Parse(sourceURL); err == nil {
			if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
				return ext
			}
		}
	}
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if ext, ok := extensionsByType[strings.ToLower(mediaType)]; ok {
		return ext
	}
	return ".bin"
}
