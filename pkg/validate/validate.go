// Package validate 校验上传与查询参数
package validate

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	commonerrors "github.com/filesaga/platform/pkg/errors"
)

const (
	MaxFileNameLength = 255
	MaxTags           = 10
	MaxTagLength      = 32
	MaxPageLimit      = 100
)

// DefaultAllowedMimeTypes 默认允许的上传类型
var DefaultAllowedMimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"application/pdf",
	"text/plain",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

var (
	ownerIDRe = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,64}$`)
	tagRe     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	extRe     = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)
)

// UserID 校验用户 ID
func UserID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "userId is required")
	}
	if !ownerIDRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid userId: %q", s)
	}
	return nil
}

// OrderID 校验可选的订单 ID，空值合法
func OrderID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if !ownerIDRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid orderId: %q", s)
	}
	return nil
}

// FileName 校验原始文件名：非空、无路径分隔符与控制字符
func FileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "file name is required")
	}
	if len(name) > MaxFileNameLength {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "file name longer than %d bytes", MaxFileNameLength)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid file name: %q", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid file name: %q", name)
		}
	}
	return nil
}

// Extension 返回小写扩展名（含点），非法或缺失时返回空串
func Extension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if !extRe.MatchString(ext) {
		return ""
	}
	return ext
}

// FileSize 校验文件大小 (0, max]
func FileSize(size, max int64) error {
	if size <= 0 {
		return commonerrors.New(commonerrors.CodeInvalidParam, "file is empty")
	}
	if max > 0 && size > max {
		return commonerrors.Newf(commonerrors.CodeFileTooLarge, "file size %d exceeds limit %d", size, max)
	}
	return nil
}

// MimeType 校验类型是否在允许列表中，忽略参数部分（如 charset）
func MimeType(mime string, allowed []string) error {
	base := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if base == "" {
		return commonerrors.New(commonerrors.CodeUnsupportedMediaType, "content type is required")
	}
	if len(allowed) == 0 {
		allowed = DefaultAllowedMimeTypes
	}
	for _, a := range allowed {
		if strings.EqualFold(a, base) {
			return nil
		}
	}
	return commonerrors.Newf(commonerrors.CodeUnsupportedMediaType, "file type %s is not allowed", base)
}

// Tags 拆分并校验逗号分隔的标签
func Tags(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) > MaxTagLength || !tagRe.MatchString(p) {
			return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid tag: %q", p)
		}
		tags = append(tags, p)
	}
	if len(tags) > MaxTags {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "at most %d tags allowed", MaxTags)
	}
	return tags, nil
}

// Page 校验分页参数
func Page(limit, offset int) error {
	if limit < 1 || limit > MaxPageLimit {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "limit must be in [1, %d]", MaxPageLimit)
	}
	if offset < 0 {
		return commonerrors.New(commonerrors.CodeInvalidParam, "offset must be >= 0")
	}
	return nil
}

type ValidationError struct {
	Field   string
	Code    commonerrors.Code
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator 收集多个字段的校验结果
type Validator struct {
	errors []ValidationError
}

func New() *Validator {
	return &Validator{}
}

func (v *Validator) add(field string, err error) *Validator {
	if err == nil {
		return v
	}
	var ce *commonerrors.Error
	if ok := stderrors.As(err, &ce); ok && ce != nil {
		v.errors = append(v.errors, ValidationError{Field: field, Code: ce.Code, Message: ce.Message})
		return v
	}
	v.errors = append(v.errors, ValidationError{Field: field, Code: commonerrors.CodeInvalidParam, Message: err.Error()})
	return v
}

func (v *Validator) UserID(field, value string) *Validator {
	return v.add(field, UserID(value))
}

func (v *Validator) OrderID(field, value string) *Validator {
	return v.add(field, OrderID(value))
}

func (v *Validator) FileName(field, value string) *Validator {
	return v.add(field, FileName(value))
}

func (v *Validator) FileSize(field string, size, max int64) *Validator {
	return v.add(field, FileSize(size, max))
}

func (v *Validator) MimeType(field, value string, allowed []string) *Validator {
	return v.add(field, MimeType(value, allowed))
}

func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		return v.add(field, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is required", field))
	}
	return v
}

func (v *Validator) Errors() []ValidationError {
	out := make([]ValidationError, len(v.errors))
	copy(out, v.errors)
	return out
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) FirstError() *ValidationError {
	if len(v.errors) == 0 {
		return nil
	}
	return &v.errors[0]
}

// Err 返回首个错误对应的业务错误，无错误时返回 nil
func (v *Validator) Err() error {
	first := v.FirstError()
	if first == nil {
		return nil
	}
	return commonerrors.Newf(first.Code, "%s: %s", first.Field, first.Message)
}
