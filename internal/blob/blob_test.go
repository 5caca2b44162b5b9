package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestBuildKey(t *testing.T) {
	now := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		orderID string
		file    string
		want    string
	}{
		{"no order", "", "Photo.JPG", "uploads/u-1/2024/03/abc.jpg"},
		{"with order", "o-9", "invoice.pdf", "uploads/u-1/2024/03/o-9/abc.pdf"},
		{"no extension", "", "README", "uploads/u-1/2024/03/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildKey("u-1", tt.orderID, tt.file, "abc", now); got != tt.want {
				t.Fatalf("BuildKey = %q, want %q", got, tt.want)
			}
		})
	}
}

type fakeS3 struct {
	put     *s3.PutObjectInput
	body    string
	putErr  error
	delErr  error
	headErr error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.put = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return &s3.DeleteObjectOutput{}, f.delErr
}

func (f *fakeS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

type fakePresigner struct {
	key     string
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	f.key = aws.ToString(in.Key)
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://signed/" + f.key}, nil
}

func TestS3StorePut(t *testing.T) {
	api := &fakeS3{}
	store := newS3Store(api, &fakePresigner{}, S3Config{Bucket: "files", Region: "eu-west-1"})

	obj, err := store.Put(context.Background(), PutInput{
		Key: "uploads/u/2024/01/x.txt", Body: []byte("hello"), FileName: "x.txt",
		MimeType: "text/plain", OwnerID: "u", GroupID: "o",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.Bucket != "files" || obj.URL != "https://files.s3.eu-west-1.amazonaws.com/uploads/u/2024/01/x.txt" {
		t.Fatalf("object = %#v", obj)
	}
	if api.body != "hello" || aws.ToString(api.put.ContentType) != "text/plain" {
		t.Fatalf("put input = %#v body=%q", api.put, api.body)
	}
	if api.put.Metadata[MetaOrderID] != "o" || api.put.Metadata[MetaOriginalName] != "x.txt" {
		t.Fatalf("metadata = %#v", api.put.Metadata)
	}

	if _, err := store.Put(context.Background(), PutInput{}); err == nil {
		t.Fatal("expected missing key to fail")
	}
}

func TestS3StoreExistsAndDeleteTreatNotFound(t *testing.T) {
	notFound := &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	api := &fakeS3{headErr: notFound, delErr: &smithy.GenericAPIError{Code: "NoSuchKey"}}
	store := newS3Store(api, &fakePresigner{}, S3Config{Bucket: "files"})

	ok, err := store.Exists(context.Background(), "k")
	if err != nil || ok {
		t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
	}
	if err := store.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}

	api.headErr = errors.New("connection reset")
	if _, err := store.Exists(context.Background(), "k"); err == nil {
		t.Fatal("expected transport error to surface")
	}

	api.headErr = nil
	if ok, _ := store.Exists(context.Background(), "k"); !ok {
		t.Fatal("expected object to exist")
	}
}

func TestS3StorePresignUsesDefaultTTL(t *testing.T) {
	p := &fakePresigner{}
	store := newS3Store(&fakeS3{}, p, S3Config{Bucket: "files", Endpoint: "http://minio:9000"})

	u, err := store.Presign(context.Background(), "uploads/a.pdf", 0)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	if u != "https://signed/uploads/a.pdf" || p.expires != DefaultPresignTTL {
		t.Fatalf("url=%q expires=%v", u, p.expires)
	}
	if got := store.objectURL("a b.pdf"); !strings.HasPrefix(got, "http://minio:9000/files/a%20b.pdf") {
		t.Fatalf("objectURL = %q", got)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("mem")

	if _, err := m.Put(ctx, PutInput{Key: "k", Body: []byte("x"), FileName: "a.txt", OwnerID: "u"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := m.Exists(ctx, "k"); !ok {
		t.Fatal("expected object")
	}
	meta, _ := m.Metadata("k")
	if meta[MetaUserID] != "u" {
		t.Fatalf("meta = %#v", meta)
	}
	if _, err := m.Presign(ctx, "k", 0); err != nil {
		t.Fatalf("Presign: %v", err)
	}

	boom := errors.New("boom")
	m.FailDelete(boom)
	if err := m.Delete(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("Delete = %v", err)
	}
	m.FailDelete(nil)
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("len = %d", m.Len())
	}
}
