package backends

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"cloud.google.com/go/storage"
)

const gcsPriority = 25

// GCSConfig configures the Google Cloud Storage cache backend.
type GCSConfig struct {
	// Bucket is the destination bucket name. Required.
	Bucket string

	// Prefix is prepended to every derived key.
	Prefix string

	// ReadOnly makes Put a no-op.
	ReadOnly bool

	// CreateBucket creates the bucket on first access when it does not
	// exist yet. Requires ProjectID.
	CreateBucket bool

	// ProjectID is the project the bucket is created under.
	ProjectID string

	// CacheDir is the local directory downloaded archives are written
	// into.
	CacheDir string
}

// GCS stores distribution archives in a Google Cloud Storage bucket.
// It follows the same degradation contract as the S3 backend: every
// failure surfaces as ErrDisabled or ErrBackend and the manager falls
// back to the remaining tiers.
type GCS struct {
	cfg    GCSConfig
	logger *slog.Logger

	// newClient constructs the underlying client. Swapped out in
	// tests; a nil value means client support is unavailable.
	newClient func(ctx context.Context) (*storage.Client, error)

	mu     sync.Mutex
	client *storage.Client
	bucket *storage.BucketHandle // memoized after a successful lookup
}

// NewGCS creates a GCS cache backend. Like NewS3 it never fails and
// never touches the network; credentials and the bucket are resolved
// lazily on first use.
func NewGCS(cfg GCSConfig, logger *slog.Logger) *GCS {
	return &GCS{
		cfg:    cfg,
		logger: logger,
		newClient: func(ctx context.Context) (*storage.Client, error) {
			return storage.NewClient(ctx)
		},
	}
}

// Name returns the backend identifier.
func (g *GCS) Name() string { return "gcs" }

// Priority returns the tier ordering value.
func (g *GCS) Priority() int { return gcsPriority }

func (g *GCS) checkPrerequisites() error {
	if g.cfg.Bucket == "" {
		return Disabledf("no GCS bucket configured; set a bucket name to enable the GCS archive cache")
	}
	if g.newClient == nil {
		return Disabledf("GCS client support is not available; the GCS archive cache will be disabled for now")
	}
	return nil
}

// bucketHandle resolves the configured bucket, connecting on first use.
// Successful results are memoized; failures are not, so the next
// operation retries.
func (g *GCS) bucketHandle(ctx context.Context) (*storage.BucketHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bucket != nil {
		return g.bucket, nil
	}

	if g.client == nil {
		g.logger.Debug("connecting to GCS API")
		client, err := g.newClient(ctx)
		if err != nil {
			return nil, Backendf("failed to connect to the GCS API (%v); the GCS cache backend will be disabled for now", err)
		}
		g.client = client
	}

	bucket := g.client.Bucket(g.cfg.Bucket)
	_, err := bucket.Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) && g.cfg.CreateBucket && g.cfg.ProjectID != "" {
		g.logger.Info("GCS bucket does not exist yet, creating it now",
			slog.String("bucket", g.cfg.Bucket),
			slog.String("project", g.cfg.ProjectID))
		if cerr := bucket.Create(ctx, g.cfg.ProjectID, nil); cerr != nil {
			return nil, Backendf("failed to create GCS bucket %q: %v", g.cfg.Bucket, cerr)
		}
		_, err = bucket.Attrs(ctx)
	}
	if err != nil {
		return nil, Backendf("failed to access GCS bucket %q (%v); the GCS cache backend will be disabled for now", g.cfg.Bucket, err)
	}

	g.bucket = bucket
	return bucket, nil
}

// Get downloads a cached archive from the bucket into the local cache
// directory and returns its path there.
func (g *GCS) Get(ctx context.Context, filename string) (string, bool, error) {
	if err := g.checkPrerequisites(); err != nil {
		return "", false, err
	}
	bucket, err := g.bucketHandle(ctx)
	if err != nil {
		return "", false, err
	}

	key := Key(g.cfg.Prefix, filename)
	rd, err := bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", true, nil
		}
		return "", false, Backendf("failed to download GCS object %q: %v", key, err)
	}
	defer rd.Close()

	localPath, err := writeFileAtomic(g.cfg.CacheDir, filename, rd)
	if err != nil {
		return "", false, Backendf("failed to store downloaded archive %q locally: %v", filename, err)
	}

	g.logger.Debug("downloaded archive from GCS bucket",
		slog.String("key", key),
		slog.String("path", localPath))
	return localPath, false, nil
}

// Put uploads an archive to the bucket. A read-only backend skips the
// upload entirely, including the prerequisite check.
func (g *GCS) Put(ctx context.Context, filename string, r io.Reader) error {
	if g.cfg.ReadOnly {
		g.logger.Info("skipping upload to GCS bucket (read-only mode)",
			slog.String("filename", filename))
		return nil
	}

	if err := g.checkPrerequisites(); err != nil {
		return err
	}
	bucket, err := g.bucketHandle(ctx)
	if err != nil {
		return err
	}

	key := Key(g.cfg.Prefix, filename)
	w := bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return Backendf("failed to upload archive %q to GCS: %v", key, err)
	}
	if err := w.Close(); err != nil {
		return Backendf("failed to upload archive %q to GCS: %v", key, err)
	}

	g.logger.Debug("uploaded archive to GCS bucket", slog.String("key", key))
	return nil
}

// Close releases the underlying client, if one was ever created.
func (g *GCS) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
