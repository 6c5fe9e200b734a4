package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/velH4ard/FitAIcomp/app/config"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	if in.Body != nil {
		f.body, _ = io.ReadAll(in.Body)
	}
	return &s3.PutObjectOutput{}, f.err
}

func TestMealImageKey(t *testing.T) {
	assert.Equal(t, "meals/u1/abc.jpg", MealImageKey("u1", "abc", "image/jpeg"))
	assert.Equal(t, "meals/u1/abc.heic", MealImageKey("u1", "abc", "image/heic"))
	assert.Equal(t, "meals/a%2Fb/abc.bin", MealImageKey("a/b", "abc", "application/octet-stream"))
}

func TestS3PutUsesPublicBaseURL(t *testing.T) {
	f := &fakeS3{}
	s := NewS3(f, config.StorageConfig{Bucket: "photos", Region: "eu-central-1", PublicBaseURL: "https://cdn.example.com/"})

	u, err := s.Put(context.Background(), "meals/u1/x.png", "image/png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/meals/u1/x.png", u)
	assert.Equal(t, "photos", *f.input.Bucket)
	assert.Equal(t, "image/png", *f.input.ContentType)
	assert.Equal(t, []byte("png"), f.body)
}

func TestS3URLFallsBackToBucketHost(t *testing.T) {
	s := NewS3(&fakeS3{}, config.StorageConfig{Bucket: "photos", Region: "eu-central-1"})
	assert.Equal(t, "https://photos.s3.eu-central-1.amazonaws.com/k", s.URL("k"))

	s = NewS3(&fakeS3{}, config.StorageConfig{Bucket: "photos"})
	assert.Equal(t, "https://photos.s3.amazonaws.com/k", s.URL("k"))
}

func TestS3PutError(t *testing.T) {
	s := NewS3(&fakeS3{err: errors.New("denied")}, config.StorageConfig{Bucket: "photos"})
	_, err := s.Put(context.Background(), "k", "image/png", nil)
	assert.ErrorContains(t, err, "denied")
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	u, err := m.Put(context.Background(), "k", "image/png", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "memory://k", u)
	b, ok := m.Get("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), b)
	assert.Equal(t, 1, m.Len())
}
