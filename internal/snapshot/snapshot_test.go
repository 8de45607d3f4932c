package snapshot

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
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-similarity-engine/internal/errs"
)

// apiError implements smithy.APIError.
type apiError struct {
	code string
}

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// mockS3 is an in-memory S3 backend.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	putErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)

	require.NoError(t, s.Save(ctx, []byte("first")))
	require.NoError(t, s.Save(ctx, []byte("second")))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.psix")
	l, err := NewLocal(path)
	require.NoError(t, err)
	testStore(t, l)

	// No temp files are left next to the snapshot.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "index.psix", entries[0].Name())
}

func TestLocalSaveFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.psix")
	l, err := NewLocal(path)
	require.NoError(t, err)
	require.NoError(t, l.Save(context.Background(), []byte("good")))

	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	// Make the directory read-only so the temp file cannot be created.
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	err = l.Save(context.Background(), []byte("bad"))
	assert.True(t, errors.Is(err, errs.ErrStorageFailure), "got %v", err)

	got, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), got)
}

func TestS3(t *testing.T) {
	m := newMockS3()
	s := NewS3(m, "snapshots", "catalog/index.psix")
	testStore(t, s)
	assert.Equal(t, "s3://snapshots/catalog/index.psix", s.Location())
	assert.Contains(t, m.objects, "snapshots/catalog/index.psix")
}

func TestS3Errors(t *testing.T) {
	m := newMockS3()
	s := NewS3(m, "b", "k")

	m.getErr = &apiError{code: "AccessDenied"}
	_, err := s.Load(context.Background())
	assert.True(t, errors.Is(err, errs.ErrStorageFailure), "got %v", err)

	m.putErr = errors.New("connection reset")
	err = s.Save(context.Background(), []byte("x"))
	assert.True(t, errors.Is(err, errs.ErrStorageFailure), "got %v", err)
}
