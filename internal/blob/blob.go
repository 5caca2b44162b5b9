// Package blob stores uploaded file bodies in an object store.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/filesaga/platform/pkg/validate"
)

// DefaultPresignTTL is the download link lifetime.
const DefaultPresignTTL = time.Hour

// Object metadata keys written alongside the body.
const (
	MetaOriginalName = "originalname"
	MetaUserID       = "userid"
	MetaOrderID      = "orderid"
	MetaUploadedAt   = "uploadedat"
)

// PutInput describes one upload. Key is computed by the caller so it can be recorded
// before the write happens.
type PutInput struct {
	Key      string
	Body     []byte
	FileName string
	MimeType string
	OwnerID  string
	GroupID  string
}

// Object is where a body landed.
type Object struct {
	Key    string
	Bucket string
	URL    string
}

// Store is the object store contract used by the saga.
type Store interface {
	Bucket() string
	Put(ctx context.Context, in PutInput) (Object, error)
	// Delete succeeds when the key is already gone.
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// BuildKey lays out keys as uploads/<userId>/<yyyy>/<mm>[/<orderId>]/<id><ext>.
func BuildKey(userID, orderID, fileName, id string, now time.Time) string {
	parts := []string{"uploads", userID, fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month()))}
	if orderID = strings.TrimSpace(orderID); orderID != "" {
		parts = append(parts, orderID)
	}
	parts = append(parts, id+validate.Extension(fileName))
	return path.Join(parts...)
}

func objectMetadata(in PutInput, now time.Time) map[string]string {
	meta := map[string]string{
		MetaOriginalName: in.FileName,
		MetaUserID:       in.OwnerID,
		MetaUploadedAt:   now.UTC().Format(time.RFC3339),
	}
	if in.GroupID != "" {
		meta[MetaOrderID] = in.GroupID
	}
	return meta
}
