package backends

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory s3API with call counters, used to observe the
// backend's transport behavior without a network.
type fakeS3 struct {
	mu sync.Mutex

	objects      map[string][]byte
	bucketExists bool

	headBucketCalls   int
	createBucketCalls int
	headObjectCalls   int
	getObjectCalls    int
	putObjectCalls    int

	headObjectErr error
	getObjectErr  error
	putObjectErr  error
	truncateBody  bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      make(map[string][]byte),
		bucketExists: true,
	}
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headBucketCalls++
	if !f.bucketExists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createBucketCalls++
	f.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headObjectCalls++
	if f.headObjectErr != nil {
		return nil, f.headObjectErr
	}
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getObjectCalls++
	if f.getObjectErr != nil {
		return nil, f.getObjectErr
	}
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if f.truncateBody {
		return &s3.GetObjectOutput{Body: io.NopCloser(&failingReader{err: io.ErrUnexpectedEOF})}, nil
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putObjectCalls++
	if f.putObjectErr != nil {
		return nil, f.putObjectErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

// newTestS3 builds an S3 backend whose transport is the fake, counting
// how many times a client is constructed.
func newTestS3(t *testing.T, cfg S3Config, fake *fakeS3) (*S3, *int) {
	t.Helper()
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	backend := NewS3(cfg, testLogger())
	connects := new(int)
	backend.newClient = func(ctx context.Context, cfg S3Config) (s3API, error) {
		*connects++
		return fake, nil
	}
	return backend, connects
}

func TestS3MissingBucketDisables(t *testing.T) {
	backend, connects := newTestS3(t, S3Config{}, newFakeS3())
	ctx := context.Background()

	_, _, err := backend.Get(ctx, "pkg-1.0.tar.gz")
	assert.True(t, IsDisabled(err))

	err = backend.Put(ctx, "pkg-1.0.tar.gz", bytes.NewReader([]byte("x")))
	assert.True(t, IsDisabled(err))

	assert.Equal(t, 0, *connects, "no connection may be attempted without a bucket")
}

func TestS3MissingClientDisables(t *testing.T) {
	fake := newFakeS3()
	backend, _ := newTestS3(t, S3Config{Bucket: "archives"}, fake)
	backend.newClient = nil
	ctx := context.Background()

	_, _, err := backend.Get(ctx, "pkg-1.0.tar.gz")
	assert.True(t, IsDisabled(err))

	err = backend.Put(ctx, "pkg-1.0.tar.gz", bytes.NewReader([]byte("x")))
	assert.True(t, IsDisabled(err))

	assert.Equal(t, 0, fake.headBucketCalls)
}

func TestS3GetMiss(t *testing.T) {
	backend, _ := newTestS3(t, S3Config{Bucket: "archives"}, newFakeS3())

	localPath, miss, err := backend.Get(context.Background(), "absent.tar.gz")
	require.NoError(t, err)
	assert.True(t, miss)
	assert.Empty(t, localPath)
}

func TestS3RoundTrip(t *testing.T) {
	for _, content := range [][]byte{[]byte("archive payload"), {}} {
		fake := newFakeS3()
		cacheDir := t.TempDir()
		backend, _ := newTestS3(t, S3Config{Bucket: "archives", CacheDir: cacheDir}, fake)
		ctx := context.Background()

		require.NoError(t, backend.Put(ctx, "pkg-1.0.tar.gz", bytes.NewReader(content)))

		localPath, miss, err := backend.Get(ctx, "pkg-1.0.tar.gz")
		require.NoError(t, err)
		require.False(t, miss)

		expected, err := filepath.Abs(filepath.Join(cacheDir, "pkg-1.0.tar.gz"))
		require.NoError(t, err)
		assert.Equal(t, expected, localPath)

		got, err := os.ReadFile(localPath)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
}

func TestS3KeyIncludesPrefix(t *testing.T) {
	fake := newFakeS3()
	backend, _ := newTestS3(t, S3Config{Bucket: "archives", Prefix: "myprefix"}, fake)

	require.NoError(t, backend.Put(context.Background(), "pkg-1.0.tar.gz", bytes.NewReader([]byte("x"))))

	_, ok := fake.objects["myprefix/pkg-1.0.tar.gz"]
	assert.True(t, ok, "object must be stored under the prefixed key")
}

func TestS3ReadOnlyPut(t *testing.T) {
	fake := newFakeS3()
	backend, connects := newTestS3(t, S3Config{Bucket: "archives", ReadOnly: true}, fake)

	require.NoError(t, backend.Put(context.Background(), "pkg-1.0.tar.gz", bytes.NewReader([]byte("x"))))

	assert.Equal(t, 0, *connects, "read-only put must not touch the network")
	assert.Equal(t, 0, fake.putObjectCalls)
}

func TestS3ConnectionMemoized(t *testing.T) {
	fake := newFakeS3()
	backend, connects := newTestS3(t, S3Config{Bucket: "archives"}, fake)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "pkg-1.0.tar.gz", bytes.NewReader([]byte("x"))))
	for i := 0; i < 4; i++ {
		_, _, err := backend.Get(ctx, "pkg-1.0.tar.gz")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, *connects, "client must be constructed exactly once")
	assert.Equal(t, 1, fake.headBucketCalls, "bucket must be resolved exactly once")
}

func TestS3ConcurrentFirstUse(t *testing.T) {
	fake := newFakeS3()
	backend, connects := newTestS3(t, S3Config{Bucket: "archives"}, fake)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := backend.Get(context.Background(), "absent.tar.gz")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, *connects, "concurrent first use must trigger a single connection")
	assert.Equal(t, 1, fake.headBucketCalls)
}

func TestS3AutoCreateBucket(t *testing.T) {
	fake := newFakeS3()
	fake.bucketExists = false
	backend, _ := newTestS3(t, S3Config{Bucket: "archives", CreateBucket: true}, fake)

	require.NoError(t, backend.Put(context.Background(), "pkg-1.0.tar.gz", bytes.NewReader([]byte("x"))))

	assert.Equal(t, 1, fake.createBucketCalls, "exactly one create call")
	assert.Equal(t, 2, fake.headBucketCalls, "one failed lookup plus one successful re-fetch")
}

func TestS3MissingBucketWithoutAutoCreate(t *testing.T) {
	fake := newFakeS3()
	fake.bucketExists = false
	backend, _ := newTestS3(t, S3Config{Bucket: "archives"}, newFakeS3())
	backend.newClient = func(ctx context.Context, cfg S3Config) (s3API, error) { return fake, nil }
	ctx := context.Background()

	_, _, err := backend.Get(ctx, "pkg-1.0.tar.gz")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackend))
	assert.False(t, IsDisabled(err))
	assert.Equal(t, 0, fake.createBucketCalls)

	// A failed bucket resolution is not memoized; the next operation
	// retries it.
	_, _, err = backend.Get(ctx, "pkg-1.0.tar.gz")
	require.Error(t, err)
	assert.Equal(t, 2, fake.headBucketCalls)
}

// fakeTransportError stands in for a client-library error type that
// must never escape the backend.
type fakeTransportError struct{ op string }

func (e *fakeTransportError) Error() string { return "fake transport failure during " + e.op }

func TestS3ErrorsAreTranslated(t *testing.T) {
	ctx := context.Background()

	t.Run("connect", func(t *testing.T) {
		cause := &fakeTransportError{op: "connect"}
		backend, _ := newTestS3(t, S3Config{Bucket: "archives"}, newFakeS3())
		backend.newClient = func(ctx context.Context, cfg S3Config) (s3API, error) { return nil, cause }

		_, _, err := backend.Get(ctx, "pkg-1.0.tar.gz")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackend))
		var raw *fakeTransportError
		assert.False(t, errors.As(err, &raw), "raw transport error must not cross the boundary")
	})

	t.Run("download", func(t *testing.T) {
		fake := newFakeS3()
		fake.headObjectErr = &fakeTransportError{op: "head"}
		backend, _ := newTestS3(t, S3Config{Bucket: "archives"}, fake)

		_, _, err := backend.Get(ctx, "pkg-1.0.tar.gz")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackend))
		var raw *fakeTransportError
		assert.False(t, errors.As(err, &raw))
	})

	t.Run("upload", func(t *testing.T) {
		fake := newFakeS3()
		fake.putObjectErr = &fakeTransportError{op: "put"}
		backend, _ := newTestS3(t, S3Config{Bucket: "archives"}, fake)

		err := backend.Put(ctx, "pkg-1.0.tar.gz", bytes.NewReader([]byte("x")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackend))
		var raw *fakeTransportError
		assert.False(t, errors.As(err, &raw))
	})
}

func TestS3TruncatedDownloadLeavesNoFile(t *testing.T) {
	fake := newFakeS3()
	cacheDir := t.TempDir()
	backend, _ := newTestS3(t, S3Config{Bucket: "archives", CacheDir: cacheDir}, fake)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "pkg-1.0.tar.gz", bytes.NewReader([]byte("payload"))))

	fake.truncateBody = true
	_, _, err := backend.Get(ctx, "pkg-1.0.tar.gz")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackend))

	_, statErr := os.Stat(filepath.Join(cacheDir, "pkg-1.0.tar.gz"))
	assert.True(t, os.IsNotExist(statErr), "a truncated download must never appear as a cache hit")
}

func TestS3CompressRoundTrip(t *testing.T) {
	fake := newFakeS3()
	backend, _ := newTestS3(t, S3Config{Bucket: "archives", Compress: true}, fake)
	ctx := context.Background()

	content := bytes.Repeat([]byte("compressible archive data "), 64)
	require.NoError(t, backend.Put(ctx, "pkg-1.0.tar.gz", bytes.NewReader(content)))

	stored := fake.objects["pkg-1.0.tar.gz"]
	require.NotEmpty(t, stored)
	assert.NotEqual(t, content, stored, "stored object should be compressed")
	assert.Less(t, len(stored), len(content))

	localPath, miss, err := backend.Get(ctx, "pkg-1.0.tar.gz")
	require.NoError(t, err)
	require.False(t, miss)

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
