package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"testing"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutGet(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewLocalStore(root)

	loc, err := s.Put(ctx, "json/post/Bx1.json", "application/json", []byte("1\n{}"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "json", "post", "Bx1.json"), loc)

	data, err := s.Get(ctx, "json/post/Bx1.json")
	require.NoError(t, err)
	assert.Equal(t, "1\n{}", string(data))

	// overwrite
	_, err = s.Put(ctx, "json/post/Bx1.json", "application/json", []byte("2\n{}"))
	require.NoError(t, err)
	data, _ = s.Get(ctx, "json/post/Bx1.json")
	assert.Equal(t, "2\n{}", string(data))

	_, err = s.Get(ctx, "json/post/missing.json")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	for _, p := range []string{"", "/etc/passwd", "../x", "a/../../x", `a\b`, "."} {
		_, err := s.Put(context.Background(), p, "", nil)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
}

type fakeObjects struct {
	bucket, key, contentType string
	body                     []byte
	exists                   bool
	made                     bool
	err                      error
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, object string, r io.Reader, _ int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error) {
	if f.err != nil {
		return miniogo.UploadInfo{}, f.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return miniogo.UploadInfo{}, err
	}
	f.bucket, f.key, f.contentType, f.body = bucket, object, opts.ContentType, body
	return miniogo.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(body))}, nil
}

func (f *fakeObjects) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeObjects) MakeBucket(context.Context, string, miniogo.MakeBucketOptions) error {
	f.made = true
	return nil
}

func TestMinioStore_Put(t *testing.T) {
	objects := &fakeObjects{}
	s, err := newMinioStore(context.Background(), objects, MinioConfig{Bucket: "harvest", Prefix: "raw", CreateBucket: true}, nil)
	require.NoError(t, err)
	assert.True(t, objects.made)

	loc, err := s.Put(context.Background(), "pictures/Bx1_a.jpg", "image/jpeg", []byte{0xff, 0xd8})
	require.NoError(t, err)
	assert.Equal(t, "s3://harvest/raw/pictures/Bx1_a.jpg", loc)
	assert.Equal(t, "raw/pictures/Bx1_a.jpg", objects.key)
	assert.Equal(t, "image/jpeg", objects.contentType)
	assert.Equal(t, []byte{0xff, 0xd8}, objects.body)
}

func TestMinioStore_PutError(t *testing.T) {
	boom := errors.New("denied")
	s, err := newMinioStore(context.Background(), &fakeObjects{err: boom, exists: true}, MinioConfig{Bucket: "b"}, nil)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "json/user/alice.json", "application/json", nil)
	assert.ErrorIs(t, err, boom)

	_, err = s.Put(context.Background(), "../alice.json", "application/json", nil)
	assert.ErrorIs(t, err, ErrInvalidPath)
}
