package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pierrec/lz4/v4"
)

// DefaultS3Endpoint is the canonical public S3 endpoint. Hosts other
// than this one are assumed to be S3-compatible services that require
// path-style addressing.
const DefaultS3Endpoint = "https://s3.amazonaws.com"

const s3Priority = 20

// S3Config configures the object-storage cache backend. All fields are
// optional except Bucket; without a bucket the backend reports itself
// disabled instead of failing the build.
type S3Config struct {
	// Bucket is the destination bucket name. Required.
	Bucket string

	// Endpoint is the scheme://host[:port] of the S3 API. Defaults to
	// DefaultS3Endpoint when empty. An https scheme selects secure
	// transport.
	Endpoint string

	// Prefix is prepended to every derived key.
	Prefix string

	// ReadOnly makes Put a no-op, for use with read-only credentials.
	ReadOnly bool

	// CreateBucket creates the bucket on first access when it does not
	// exist yet.
	CreateBucket bool

	// CacheDir is the local directory downloaded archives are written
	// into.
	CacheDir string

	// Compress transparently lz4-compresses archives in the bucket.
	// Both sides of a shared bucket must agree on this setting.
	Compress bool
}

// s3API is the subset of the S3 client used by the backend. It exists
// so tests can substitute a fake transport.
type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores distribution archives in an S3 (or S3-compatible) bucket.
//
// The backend is written to degrade gracefully: an unset bucket, a
// client that cannot be constructed, or an unreachable bucket never
// surfaces as anything other than ErrDisabled or ErrBackend, which the
// manager answers by dropping the backend and continuing with the
// local tiers.
type S3 struct {
	cfg    S3Config
	logger *slog.Logger

	// newClient constructs the underlying client. Swapped out in
	// tests; a nil value means client support is unavailable.
	newClient func(ctx context.Context, cfg S3Config) (s3API, error)

	mu       sync.Mutex
	client   s3API // memoized after a successful connect
	verified bool  // bucket resolved, and created if permitted
}

// NewS3 creates an S3 cache backend. Construction never fails and never
// touches the network; prerequisites are validated on first use so a
// misconfigured backend disables itself instead of aborting startup.
func NewS3(cfg S3Config, logger *slog.Logger) *S3 {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultS3Endpoint
	}
	return &S3{
		cfg:       cfg,
		logger:    logger,
		newClient: newS3Client,
	}
}

// newS3Client parses the configured endpoint and opens a client against
// it. Virtual-hosted addressing is only valid against the canonical
// public endpoint; any other host gets path-style requests.
func newS3Client(ctx context.Context, cfg S3Config) (s3API, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %v", cfg.Endpoint, err)
	}
	pathStyle := endpoint.Hostname() != "s3.amazonaws.com"

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %v", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != DefaultS3Endpoint {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = pathStyle
	}), nil
}

// Name returns the backend identifier.
func (s *S3) Name() string { return "s3" }

// Priority returns the tier ordering value; S3 is a mid-range remote
// tier, tried after the local tiers.
func (s *S3) Priority() int { return s3Priority }

// checkPrerequisites validates that the backend is configured and that
// a client can be constructed, before any network I/O happens. It runs
// at the start of every operation that needs the connection so Get and
// Put fail cheaply and in the same way.
func (s *S3) checkPrerequisites() error {
	if s.cfg.Bucket == "" {
		return Disabledf("no S3 bucket configured; set a bucket name to enable the S3 archive cache")
	}
	if s.newClient == nil {
		return Disabledf("S3 client support is not available; the S3 archive cache will be disabled for now")
	}
	return nil
}

// bucket returns a client whose configured bucket has been resolved,
// connecting on first use. The client is memoized after a successful
// connect and the bucket resolution after a successful lookup; a failed
// attempt is not memoized and will be retried on the next operation.
// The mutex with re-check keeps concurrent first use down to a single
// connection attempt.
func (s *S3) bucket(ctx context.Context) (s3API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		s.logger.Debug("connecting to S3 API", slog.String("endpoint", s.cfg.Endpoint))
		client, err := s.newClient(ctx, s.cfg)
		if err != nil {
			return nil, Backendf("failed to connect to the S3 API (%v); the S3 cache backend will be disabled for now", err)
		}
		s.client = client
	}
	if s.verified {
		return s.client, nil
	}

	head := &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}
	_, err := s.client.HeadBucket(ctx, head)
	if err != nil && isNotFound(err) && s.cfg.CreateBucket {
		s.logger.Info("S3 bucket does not exist yet, creating it now",
			slog.String("bucket", s.cfg.Bucket))
		if _, cerr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(s.cfg.Bucket),
		}); cerr != nil {
			return nil, Backendf("failed to create S3 bucket %q: %v", s.cfg.Bucket, cerr)
		}
		_, err = s.client.HeadBucket(ctx, head)
	}
	if err != nil {
		return nil, Backendf("failed to access S3 bucket %q (%v); the S3 cache backend will be disabled for now", s.cfg.Bucket, err)
	}

	s.verified = true
	return s.client, nil
}

// Get downloads a cached archive from the bucket into the local cache
// directory and returns its path there.
func (s *S3) Get(ctx context.Context, filename string) (string, bool, error) {
	if err := s.checkPrerequisites(); err != nil {
		return "", false, err
	}
	client, err := s.bucket(ctx)
	if err != nil {
		return "", false, err
	}

	key := Key(s.cfg.Prefix, filename)
	s.logger.Debug("checking for archive in S3 bucket", slog.String("key", key))

	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", true, nil
		}
		return "", false, Backendf("failed to check S3 object %q: %v", key, err)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			// Deleted between the existence check and the download.
			return "", true, nil
		}
		return "", false, Backendf("failed to download S3 object %q: %v", key, err)
	}
	defer out.Body.Close()

	var body io.Reader = out.Body
	if s.cfg.Compress {
		body = lz4.NewReader(body)
	}

	localPath, err := writeFileAtomic(s.cfg.CacheDir, filename, body)
	if err != nil {
		return "", false, Backendf("failed to store downloaded archive %q locally: %v", filename, err)
	}

	s.logger.Debug("downloaded archive from S3 bucket",
		slog.String("key", key),
		slog.String("path", localPath))
	return localPath, false, nil
}

// Put uploads an archive to the bucket, overwriting any existing object
// under the same key. When the backend is configured read-only this is
// a no-op: read-only mode is a valid state that simply disables writes,
// so not even the prerequisite check runs.
func (s *S3) Put(ctx context.Context, filename string, r io.Reader) error {
	if s.cfg.ReadOnly {
		s.logger.Info("skipping upload to S3 bucket (read-only mode)",
			slog.String("filename", filename))
		return nil
	}

	if err := s.checkPrerequisites(); err != nil {
		return err
	}
	client, err := s.bucket(ctx)
	if err != nil {
		return err
	}

	key := Key(s.cfg.Prefix, filename)

	// The SDK needs a seekable body for request signing, so the
	// archive is buffered in full before the upload.
	var buf bytes.Buffer
	if s.cfg.Compress {
		zw := lz4.NewWriter(&buf)
		if _, err := io.Copy(zw, r); err != nil {
			return Backendf("failed to compress archive %q: %v", filename, err)
		}
		if err := zw.Close(); err != nil {
			return Backendf("failed to compress archive %q: %v", filename, err)
		}
	} else if _, err := io.Copy(&buf, r); err != nil {
		return Backendf("failed to read archive %q: %v", filename, err)
	}

	s.logger.Debug("uploading archive to S3 bucket",
		slog.String("key", key),
		slog.Int("size", buf.Len()))

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return Backendf("failed to upload archive %q to S3: %v", key, err)
	}
	return nil
}

// Close performs cleanup operations. The S3 client holds no resources
// that outlive the process.
func (s *S3) Close() error { return nil }

// isNotFound reports whether err is a distinguished remote "not found"
// response rather than some other client or server failure.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var (
		noBucket *types.NoSuchBucket
		noKey    *types.NoSuchKey
		notFound *types.NotFound
	)
	if errors.As(err, &noBucket) || errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}
