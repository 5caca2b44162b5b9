// Package api exposes the file upload service over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/filesaga/platform/internal/metrics"
	"github.com/filesaga/platform/internal/saga"
	"github.com/filesaga/platform/internal/service"
	commonerrors "github.com/filesaga/platform/pkg/errors"
	"github.com/filesaga/platform/pkg/health"
	"github.com/filesaga/platform/pkg/logger"
	"github.com/filesaga/platform/pkg/response"
	"github.com/filesaga/platform/pkg/tracing"
	"github.com/filesaga/platform/pkg/validate"
)

// multipartOverhead 表单字段与边界的额外预算
const multipartOverhead int64 = 1 << 20

const defaultPageLimit = 10

// Handler 聚合 HTTP 接口依赖
type Handler struct {
	Uploads *service.UploadService
	Files   *service.FileService
	Sagas   *service.SagaService
	Health  *health.Health
	Metrics *metrics.Metrics
	Log     *logger.Logger

	// MaxUploadBytes 为 0 时使用 service.DefaultMaxUploadBytes
	MaxUploadBytes int64
}

// Routes builds the mux and wraps it with request id, panic recovery and tracing.
func (h *Handler) Routes() http.Handler {
	log := h.Log
	if log == nil {
		log = logger.Nop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files/upload", h.handleUpload)
	mux.HandleFunc("GET /v1/files", h.handleListFiles)
	mux.HandleFunc("GET /v1/files/{id}", h.handleGetFile)
	// /v1/files/order/{orderId} 与 /v1/files/{id}/download 在 ServeMux 中互相冲突，合并分发
	mux.HandleFunc("GET /v1/files/{id}/{sub}", h.handleFileSubresource)
	mux.HandleFunc("DELETE /v1/files/{id}", h.handleDeleteFile)
	mux.HandleFunc("GET /v1/sagas/active", h.handleActiveSagas)
	mux.HandleFunc("GET /v1/sagas/{id}", h.handleGetSaga)

	if h.Health != nil {
		mux.HandleFunc("GET /health/live", h.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", h.Health.ReadyHandler())
		mux.HandleFunc("GET /health", h.Health.HealthHandler())
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = tracing.HTTPMiddleware(handler)
	handler = response.RecoveryMiddleware(log)(handler)
	handler = response.RequestIDMiddleware(handler)
	return handler
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return service.DefaultMaxUploadBytes
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := h.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.WriteErrorCode(w, r, commonerrors.CodeFileTooLarge, "file exceeds upload limit")
			return
		}
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "file is required")
		return
	}
	defer file.Close()

	// one byte over the limit is enough for the size check in the service
	body, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "failed to read file")
		return
	}

	tags, err := validate.Tags(r.FormValue("tags"))
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}

	mimeType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(body)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	res, err := h.Uploads.Upload(r.Context(), &service.UploadRequest{
		Body:     body,
		FileName: header.Filename,
		MimeType: mimeType,
		UserID:   strings.TrimSpace(r.FormValue("userId")),
		OrderID:  strings.TrimSpace(r.FormValue("orderId")),
		Category: strings.TrimSpace(r.FormValue("category")),
		Tags:     tags,
	})
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Status != saga.StatusCompleted {
		status = http.StatusOK
	}
	response.WriteJSON(w, status, res)
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.Files.Get(r.Context(), r.PathValue("id"), userIDParam(r))
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, f)
}

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultPageLimit)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	page, err := h.Files.List(r.Context(), userIDParam(r), limit, offset)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) handleFileSubresource(w http.ResponseWriter, r *http.Request) {
	id, sub := r.PathValue("id"), r.PathValue("sub")
	switch {
	case id == "order":
		h.listByOrder(w, r, sub)
	case sub == "download":
		h.download(w, r, id)
	default:
		response.WriteErrorCode(w, r, commonerrors.CodeNotFound, "route not found")
	}
}

func (h *Handler) listByOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	files, err := h.Files.ListByOrder(r.Context(), userIDParam(r), orderID)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request, fileID string) {
	dl, err := h.Files.DownloadURL(r.Context(), fileID, userIDParam(r))
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, dl)
}

func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	if err := h.Files.Delete(r.Context(), fileID, userIDParam(r)); err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"fileId": fileID, "status": "DELETED"})
}

func (h *Handler) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	sg, err := h.Sagas.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sg)
}

func (h *Handler) handleActiveSagas(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	sagas, err := h.Sagas.Active(r.Context(), limit)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	if sagas == nil {
		sagas = []*saga.Saga{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"sagas": sagas, "count": len(sagas)})
}

func userIDParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("userId"))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s must be an integer", name)
	}
	return n, nil
}
