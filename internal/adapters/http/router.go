package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/observability/metrics"
)

const (
	serviceName       = "docflow-api"
	multipartMemLimit = 8 << 20
	maxAuditLimit     = 1000
)

type Router struct {
	cfg       config.Config
	ingest    ports.DocumentIngestor
	lifecycle ports.VersionLifecycle
	reader    ports.DocumentReader
	metrics   *metrics.HTTPServerMetrics
}

func NewRouter(
	cfg config.Config,
	ingest ports.DocumentIngestor,
	lifecycle ports.VersionLifecycle,
	reader ports.DocumentReader,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	if httpMetrics == nil {
		httpMetrics = metrics.NewHTTPServerMetrics(serviceName)
	}
	return &Router{
		cfg:       cfg,
		ingest:    ingest,
		lifecycle: lifecycle,
		reader:    reader,
		metrics:   httpMetrics,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/documents", rt.uploadDocument)
	api.HandleFunc("POST /v1/documents/{id}/versions", rt.addVersion)
	api.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	api.HandleFunc("GET /v1/documents/{id}/versions", rt.listVersions)
	api.HandleFunc("GET /v1/versions/{id}", rt.getVersion)
	api.HandleFunc("POST /v1/versions/{id}/cancel", rt.cancelVersion)
	api.HandleFunc("DELETE /v1/versions/{id}", rt.deleteVersion)
	api.HandleFunc("GET /v1/audit", rt.listAudit)

	limited := rateLimitMiddleware(api, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.onReject)
	limited = backpressureMiddlewareWithHook(limited, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait, rt.onReject)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("GET /metrics", rt.metrics.Handler())
	mux.Handle("/v1/", limited)

	return requestIDMiddleware(accessLogMiddleware(rt.metrics.Middleware(serviceName, mux)))
}

func (rt *Router) onReject(reason string) {
	rt.metrics.RecordRejected(serviceName, reason)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	req, cleanup, ok := rt.parseUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()
	req.DocumentID = strings.TrimSpace(r.FormValue("document_id"))
	req.OwnerRef = strings.TrimSpace(r.FormValue("owner_ref"))

	version, err := rt.ingest.Upload(r.Context(), req)
	rt.finishUpload(w, r, version, err)
}

func (rt *Router) addVersion(w http.ResponseWriter, r *http.Request) {
	req, cleanup, ok := rt.parseUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	version, err := rt.ingest.AddVersion(r.Context(), r.PathValue("id"), req)
	rt.finishUpload(w, r, version, err)
}

func (rt *Router) parseUpload(w http.ResponseWriter, r *http.Request) (domain.UploadRequest, func(), bool) {
	if rt.cfg.MaxUploadBytes > 0 {
		// multipart framing adds a little on top of the file itself
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxUploadBytes+multipartMemLimit)
	}
	if err := r.ParseMultipartForm(multipartMemLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return domain.UploadRequest{}, nil, false
		}
		writeError(w, r, http.StatusBadRequest, "multipart body is required")
		return domain.UploadRequest{}, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return domain.UploadRequest{}, nil, false
	}
	cleanup := func() {
		_ = file.Close()
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}
	return domain.UploadRequest{
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Body:     file,
	}, cleanup, true
}

func (rt *Router) finishUpload(w http.ResponseWriter, r *http.Request, version *domain.Version, err error) {
	if err != nil {
		rt.metrics.RecordUpload(serviceName, -1, err)
		writeDomainError(w, r, err)
		return
	}
	rt.metrics.RecordUpload(serviceName, version.SizeBytes, nil)
	writeJSON(w, http.StatusAccepted, version)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.reader.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := rt.reader.ListVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if versions == nil {
		versions = []domain.Version{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (rt *Router) getVersion(w http.ResponseWriter, r *http.Request) {
	detail, err := rt.reader.GetVersionDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (rt *Router) cancelVersion(w http.ResponseWriter, r *http.Request) {
	version, err := rt.lifecycle.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (rt *Router) deleteVersion(w http.ResponseWriter, r *http.Request) {
	deletion, err := rt.lifecycle.ForceDelete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletion)
}

func (rt *Router) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		DocumentID: strings.TrimSpace(q.Get("document_id")),
		VersionID:  strings.TrimSpace(q.Get("version_id")),
		Limit:      100,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxAuditLimit)
	}

	entries, err := rt.reader.ListAudit(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, r, status, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
