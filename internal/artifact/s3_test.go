package artifact

import (
	"bytes"
	"ciengine/internal/testutil"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestS3Backend_PrefixesKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := newFakeS3()
	store := NewStore(NewS3Backend(fake, "bucket", "/artifacts/"))

	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{"out/app.bin": "bin"})
	_, err := store.Publish(ctx, "run-1", mustRules(t, "out/**"), ws)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"artifacts/run-1/files/app.bin",
		"artifacts/run-1/manifest.json",
	}, fake.keys())

	dest := t.TempDir()
	_, err = store.Fetch(ctx, "run-1", mustRules(t, "app.bin"), dest, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app.bin": "bin"}, testutil.ReadTree(t, dest))
}

func TestS3Backend_MissingKeyIsNotExist(t *testing.T) {
	t.Parallel()
	backend := NewS3Backend(newFakeS3(), "bucket", "")
	_, err := backend.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestS3Backend_DeletePrefixDoesNotTouchSiblings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := newFakeS3()
	backend := NewS3Backend(fake, "bucket", "a")

	for _, k := range []string{"run-1/manifest.json", "run-10/manifest.json"} {
		require.NoError(t, backend.Put(ctx, k, strings.NewReader("{}"), 2))
	}
	require.NoError(t, backend.DeletePrefix(ctx, "run-1/"))
	assert.Equal(t, []string{"a/run-10/manifest.json"}, fake.keys())
}
