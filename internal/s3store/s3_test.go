package s3store

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/storage"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
}

// fakeS3 is an in-memory bucket implementing S3API.
type fakeS3 struct {
	mu       sync.Mutex
	bucket   string
	objects  map[string]fakeObject
	pageSize int
	copies   int
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string]fakeObject), pageSize: 2}
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, metadata: maps.Clone(in.Metadata)}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      maps.Clone(obj.metadata),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      maps.Clone(obj.metadata),
	}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	source, err := url.PathUnescape(strings.TrimPrefix(aws.ToString(in.CopySource), f.bucket+"/"))
	if err != nil {
		return nil, err
	}
	obj, ok := f.objects[source]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		obj.metadata = maps.Clone(in.Metadata)
	}
	f.objects[aws.ToString(in.Key)] = obj
	f.copies++
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	after := aws.ToString(in.ContinuationToken)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[k].data))),
		})
	}
	return out, nil
}

func (f *fakeS3) raw(key string) fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(parent events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type.Is(parent) {
			out = append(out, e)
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupStore(t *testing.T, prefix string) (*Store, *fakeS3, *recorder) {
	t.Helper()
	fake := newFakeS3("bucket")
	rec := &recorder{}
	s, err := New(Options{
		Bucket:  "bucket",
		Prefix:  prefix,
		Client:  fake,
		Emitter: rec,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background(), nil))
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s, fake, rec
}

func set(t *testing.T, s *Store, key, data string, md metadata.Metadata) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), key, storage.Value{Data: strings.NewReader(data), Metadata: md}, 0))
}

func read(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestNew(t *testing.T) {
	t.Run("Bucket is required", func(t *testing.T) {
		_, err := New(Options{})
		assert.Error(t, err)
	})

	t.Run("Connect checks the bucket", func(t *testing.T) {
		s, err := New(Options{Bucket: "other", Client: newFakeS3("bucket"), Logger: quietLogger()})
		require.NoError(t, err)
		err = s.Connect(context.Background(), nil)
		assert.ErrorIs(t, err, storage.ErrBackendUnavailable)

		_, err = s.Exists(context.Background(), "k")
		assert.ErrorIs(t, err, storage.ErrBackendUnavailable)
	})

	t.Run("SDK client uses path style for custom endpoints", func(t *testing.T) {
		client := newClient("http://localhost:9000", "eu-west-1", "access", "secret")
		opts := client.Options()
		assert.Equal(t, "http://localhost:9000", aws.ToString(opts.BaseEndpoint))
		assert.True(t, opts.UsePathStyle)
		assert.Equal(t, "eu-west-1", opts.Region)
	})
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Set and get", func(t *testing.T) {
		s, fake, rec := setupStore(t, "data/")
		set(t, s, "a/b", "hello", metadata.Metadata{"kind": "greeting"})

		obj := fake.raw("data/a/b")
		assert.Equal(t, "hello", string(obj.data))
		raw, err := base64.StdEncoding.DecodeString(obj.metadata[MetadataHeader])
		require.NoError(t, err)
		assert.JSONEq(t, `{"kind":"greeting"}`, string(raw))

		rc, md, err := s.Get(ctx, "a/b")
		require.NoError(t, err)
		assert.Equal(t, "hello", read(t, rc))
		assert.Equal(t, metadata.Metadata{"kind": "greeting"}, md)

		set(t, s, "a/b", "again", nil)
		assert.Len(t, rec.ofType(events.TypeStoreSet), 1)
		assert.Len(t, rec.ofType(events.TypeStoreUpdate), 1)
	})

	t.Run("Missing keys", func(t *testing.T) {
		s, _, _ := setupStore(t, "")
		_, _, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetMetadata(ctx, "nope", nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "nope"), storage.ErrNotFound)
		assert.ErrorIs(t, s.UpdateMetadata(ctx, "nope", metadata.Metadata{"a": "b"}), storage.ErrNotFound)

		ok, err := s.Exists(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Metadata writes keep the body", func(t *testing.T) {
		s, fake, _ := setupStore(t, "")
		set(t, s, "k", "body", metadata.Metadata{"a": "1"})

		require.NoError(t, s.SetMetadata(ctx, "k", metadata.Metadata{"b": "2"}))
		require.NoError(t, s.UpdateMetadata(ctx, "k", metadata.Metadata{"c": "3"}))
		assert.Equal(t, 2, fake.copies)

		rc, md, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "body", read(t, rc))
		assert.Equal(t, metadata.Metadata{"b": "2", "c": "3"}, md)

		require.NoError(t, s.SetData(ctx, "k", strings.NewReader("new body"), 2))
		md, err = s.GetMetadata(ctx, "k", []string{"c"})
		require.NoError(t, err)
		assert.Equal(t, metadata.Metadata{"c": "3"}, md)
	})

	t.Run("Partial writes on new keys", func(t *testing.T) {
		s, _, _ := setupStore(t, "")
		require.NoError(t, s.SetData(ctx, "d", strings.NewReader("x"), 0))
		md, err := s.GetMetadata(ctx, "d", nil)
		require.NoError(t, err)
		assert.Empty(t, md)

		require.NoError(t, s.SetMetadata(ctx, "m", metadata.Metadata{"a": "1"}))
		rc, err := s.GetData(ctx, "m")
		require.NoError(t, err)
		assert.Equal(t, "", read(t, rc))
	})

	t.Run("Delete", func(t *testing.T) {
		s, fake, rec := setupStore(t, "")
		set(t, s, "gone", "x", metadata.Metadata{"tag": "t"})
		require.NoError(t, s.Delete(ctx, "gone"))
		assert.Empty(t, fake.raw("gone").data)

		deletes := rec.ofType(events.TypeStoreDelete)
		require.Len(t, deletes, 1)
		assert.Equal(t, "t", deletes[0].Metadata["tag"])
		assert.Same(t, s, deletes[0].Source)
	})

	t.Run("Query lists below the prefix", func(t *testing.T) {
		s, fake, _ := setupStore(t, "p/")
		for _, k := range []string{"e", "a", "d", "b", "c"} {
			kind := "odd"
			if k == "b" || k == "d" {
				kind = "even"
			}
			set(t, s, k, k, metadata.Metadata{"kind": kind})
		}
		_, err := fake.PutObject(ctx, &s3.PutObjectInput{Key: aws.String("elsewhere"), Body: strings.NewReader("")})
		require.NoError(t, err)

		var all []string
		for k, err := range s.QueryKeys(ctx, nil) {
			require.NoError(t, err)
			all = append(all, k)
		}
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, all)

		var even []string
		for row, err := range s.Query(ctx, []string{}, metadata.Metadata{"kind": "even"}) {
			require.NoError(t, err)
			even = append(even, row.Key)
			assert.Empty(t, row.Metadata)
		}
		assert.Equal(t, []string{"b", "d"}, even)
	})

	t.Run("Objects without the header have empty metadata", func(t *testing.T) {
		s, fake, _ := setupStore(t, "")
		_, err := fake.PutObject(ctx, &s3.PutObjectInput{Key: aws.String("foreign"), Body: strings.NewReader("x")})
		require.NoError(t, err)

		md, err := s.GetMetadata(ctx, "foreign", nil)
		require.NoError(t, err)
		assert.Empty(t, md)
	})

	t.Run("Corrupt header", func(t *testing.T) {
		s, fake, _ := setupStore(t, "")
		set(t, s, "a", "x", nil)
		_, err := fake.PutObject(ctx, &s3.PutObjectInput{
			Key:      aws.String("b"),
			Body:     strings.NewReader("x"),
			Metadata: map[string]string{MetadataHeader: "!!not base64"},
		})
		require.NoError(t, err)

		_, err = s.GetMetadata(ctx, "b", nil)
		assert.ErrorIs(t, err, storage.ErrCorruption)

		var keys []string
		var lastErr error
		for row, err := range s.Query(ctx, nil, nil) {
			keys = append(keys, row.Key)
			lastErr = err
		}
		assert.Equal(t, []string{"a", "b"}, keys)
		assert.ErrorIs(t, lastErr, storage.ErrCorruption)
	})

	t.Run("Info", func(t *testing.T) {
		s, _, _ := setupStore(t, "p/")
		info, err := s.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, "s3", info["backend"])
		assert.Equal(t, "bucket", info["bucket"])
		assert.Equal(t, DefaultRegion, info["region"])
	})
}

func TestNormalizeMetadata(t *testing.T) {
	s, _, rec := setupStore(t, "")
	ctx := context.Background()

	set(t, s, "k", "x", metadata.Metadata{"n": 3, "tags": []string{"a"}})
	md, err := s.GetMetadata(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, metadata.Metadata{"n": int64(3), "tags": []any{"a"}}, md)

	bad := metadata.Metadata{"raw": []byte("hi")}
	before := len(rec.ofType(events.TypeStoreModified))
	assert.ErrorIs(t, s.Set(ctx, "k", storage.Value{Data: strings.NewReader("y"), Metadata: bad}, 0), storage.ErrInvalidMetadata)
	assert.ErrorIs(t, s.SetMetadata(ctx, "k", bad), storage.ErrInvalidMetadata)
	assert.ErrorIs(t, s.UpdateMetadata(ctx, "k", bad), storage.ErrInvalidMetadata)
	assert.Len(t, rec.ofType(events.TypeStoreModified), before)

	rc, md, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "x", read(t, rc))
	assert.NotContains(t, md, "raw")
}
