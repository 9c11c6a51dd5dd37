package artifacts

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func stores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"fs": fs,
		"s3": newS3Store(newFakeS3(), "evidence", "bundles/"),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte(`{"bundle":"one"}`)
			hash, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, ContentHash(data), hash)
			assert.True(t, strings.HasPrefix(hash, "sha256:"))

			again, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, hash, again)

			ok, err := s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.Get(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			require.NoError(t, s.Delete(ctx, hash))
			ok, err = s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = s.Get(ctx, hash)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, s.Delete(ctx, hash), "deleting a missing blob is a no-op")
		})
	}
}

func TestStore_RejectsBadHashes(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, h := range []string{"", "abc", "md5:00", "sha256:zz", "sha256:../../etc/passwd"} {
				_, err := s.Get(ctx, h)
				assert.ErrorIs(t, err, ErrInvalidHash, h)
				_, err = s.Exists(ctx, h)
				assert.ErrorIs(t, err, ErrInvalidHash, h)
			}
		})
	}
}

func TestS3Store_SkipsExistingUpload(t *testing.T) {
	fake := newFakeS3()
	s := newS3Store(fake, "evidence", "bundles/")
	ctx := context.Background()
	_, err := s.Put(ctx, []byte("x"))
	require.NoError(t, err)
	_, err = s.Put(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)
	for key := range fake.objects {
		assert.True(t, strings.HasPrefix(key, "bundles/"), key)
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewStore(ctx, Config{Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, dir, fs.dir)

	_, err = NewStore(ctx, Config{Type: "s3"})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = NewStore(ctx, Config{Type: "ftp"})
	assert.ErrorContains(t, err, "unsupported archive storage type")
}
