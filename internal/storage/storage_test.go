package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	cases := []struct {
		folder, name, want string
	}{
		{"videos", "a.mp4", "videos/a.mp4"},
		{"/videos/", "a.mp4", "videos/a.mp4"},
		{"images//job", "scene_01.jpg", "images/job/scene_01.jpg"},
		{"", "a.mp4", "a.mp4"},
		{`renders\job`, "result.json", "renders/job/result.json"},
		{"../../etc", "passwd", "etc/passwd"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, objectKey(tc.folder, tc.name), "folder=%q name=%q", tc.folder, tc.name)
	}
}

func newTestSupabase(url string) *SupabaseStore {
	s := NewSupabaseStore(url, "service-key", "tours")
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func TestSupabaseUploadRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/storage/v1/object/tours/images/job/scene_01.jpg", r.URL.Path)
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.Header.Get("x-upsert"))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("jpeg"), body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSupabase(srv.URL)
	res, err := s.Upload(context.Background(), []byte("jpeg"), "scene_01.jpg", "/images/job/", "image/jpeg")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/tours/images/job/scene_01.jpg", res.URL)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSupabaseUploadDoesNotRetryAuthFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"invalid JWT"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestSupabase(srv.URL).Upload(context.Background(), []byte("x"), "a.jpg", "images", "image/jpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSupabaseBucketPrefixIsStripped(t *testing.T) {
	s := NewSupabaseStore("https://x.supabase.co/", "k", "tours")
	assert.Equal(t,
		"https://x.supabase.co/storage/v1/object/public/tours/videos/a.mp4",
		s.URLFor("a.mp4", "tours/videos"))
}

func TestSupabaseExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		switch r.URL.Path {
		case "/storage/v1/object/public/tours/videos/present.mp4":
			w.WriteHeader(http.StatusOK)
		case "/storage/v1/object/public/tours/videos/broken.mp4":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := newTestSupabase(srv.URL)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "present.mp4", FolderVideos)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "missing.mp4", FolderVideos)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Exists(ctx, "broken.mp4", FolderVideos)
	assert.Error(t, err)
}

func TestSupabaseDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestSupabase(srv.URL).Download(context.Background(), "result.json", "renders/job")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeS3 struct {
	objects map[string][]byte
	headErr error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	s := newS3Store(fake, "bucket", "/tours/", "https://cdn.example.com")
	ctx := context.Background()

	res, err := s.Upload(ctx, []byte("mp4"), "job 1.mp4", "/videos", "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "tours/videos/job 1.mp4", res.Key)
	assert.Equal(t, "https://cdn.example.com/tours/videos/job%201.mp4", res.URL)
	assert.Equal(t, []byte("mp4"), fake.objects["tours/videos/job 1.mp4"])

	ok, err := s.Exists(ctx, "job 1.mp4", "videos")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "other.mp4", "videos")
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := s.Download(ctx, "job 1.mp4", "videos/")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4"), data)

	_, err = s.Download(ctx, "nope.mp4", "videos")
	assert.ErrorIs(t, err, ErrNotFound)

	fake.headErr = errors.New("access denied")
	_, err = s.Exists(ctx, "job 1.mp4", "videos")
	assert.Error(t, err)
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "http://localhost:8080/files/")
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "a.mp4", FolderVideos)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := s.Upload(ctx, []byte("video"), "a.mp4", "/videos/", "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/videos/a.mp4", res.URL)

	ok, err = s.Exists(ctx, "a.mp4", FolderVideos)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Download(ctx, "a.mp4", FolderVideos)
	require.NoError(t, err)
	assert.Equal(t, []byte("video"), data)

	_, err = s.Download(ctx, "b.mp4", FolderVideos)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Upload(ctx, []byte("x"), "", "", "text/plain")
	assert.Error(t, err)
}
