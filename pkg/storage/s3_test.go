package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type apiError struct {
	code string
}

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// mockS3 is an in-memory bucket. pageSize forces ListObjectsV2 pagination.
type mockS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	putErr   error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), pageSize: 2}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
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
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
				break
			}
		}
	}
	end := min(start+m.pageSize, len(keys))
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3PutGet(t *testing.T) {
	mock := newMockS3()
	s := NewS3(mock, "bucket", "catalog/")
	ctx := context.Background()

	if err := s.Put(ctx, "personas/mika.yaml", []byte("id: mika")); err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.objects["catalog/personas/mika.yaml"]; !ok {
		t.Fatalf("object stored under wrong key: %v", mock.objects)
	}
	got, err := s.Get(ctx, "personas/mika.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "id: mika" {
		t.Fatalf("got %q", got)
	}
}

func TestS3GetNotExist(t *testing.T) {
	s := NewS3(newMockS3(), "bucket", "")
	_, err := s.Get(context.Background(), "missing.yaml")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestS3PutError(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("access denied")
	s := NewS3(mock, "bucket", "")
	if err := s.Put(context.Background(), "a.yaml", []byte("x")); err == nil {
		t.Fatal("expected put error")
	}
}

func TestS3ListPaginates(t *testing.T) {
	mock := newMockS3()
	s := NewS3(mock, "bucket", "catalog")
	ctx := context.Background()
	for _, p := range []string{"personas/c.yaml", "personas/a.yaml", "personas/b.yaml", "rules/x.yaml"} {
		s.Put(ctx, p, []byte("x"))
	}

	got, err := s.List(ctx, "personas")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"personas/a.yaml", "personas/b.yaml", "personas/c.yaml"}
	if !slices.Equal(got, want) {
		t.Fatalf("List = %v, want %v", got, want)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("List all = %v", all)
	}
}

func TestS3Delete(t *testing.T) {
	s := NewS3(newMockS3(), "bucket", "")
	ctx := context.Background()
	s.Put(ctx, "a.yaml", []byte("x"))
	if err := s.Delete(ctx, "a.yaml"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "a.yaml"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}
