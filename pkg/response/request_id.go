package response

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/filesaga/platform/pkg/logger"
)

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128
)

// ContextWithRequestID 写入请求 ID，日志 WithContext 会带上它
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return logger.ContextWithRequestID(ctx, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return logger.RequestIDFromContext(ctx)
}

// RequestIDMiddleware 沿用客户端传入的 X-Request-ID，缺失或不合法时生成新的
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if !ok {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), reqID)))
	})
}

// sanitizeRequestID 只接受可打印 ASCII，避免把控制字符写进日志和响应头
func sanitizeRequestID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxRequestIDLen {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return "", false
		}
	}
	return id, true
}
