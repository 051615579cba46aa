package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"evalsync/api/internal/editor"
	"evalsync/api/internal/preview"
	"evalsync/api/internal/schema"
	"evalsync/api/internal/session"
	"evalsync/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Editor callback: the external editor posts events here. It expects the
	// OnlyOffice-style ack and gives up on anything else.
	if r.Method == http.MethodPost && r.URL.Path == "/api/editor/callback" {
		s.handleEditorCallback(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/departments" {
		items, err := s.service.ListDepartments(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list departments", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"departments": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/templates" {
		q := r.URL.Query()
		limit, offset := 50, 0
		if raw := q.Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		if raw := q.Get("offset"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}
		payload, err := s.service.ListTemplates(r.Context(), q.Get("status"), q.Get("departmentId"), q.Get("q"), limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/templates" {
		var body struct {
			DraftID   string `json:"draftId"`
			CreatedBy string `json:"createdBy"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.DraftID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "draftId is required", nil)
			return
		}
		payload, err := s.service.SaveTemplate(r.Context(), body.DraftID, body.CreatedBy)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/drafts" {
		var body CreateDraftInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateDraft(r.Context(), body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		s.handleDocumentUpload(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents/import" {
		var body struct {
			URL      string `json:"url"`
			Filename string `json:"filename"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		objectURL, err := s.service.ImportDocument(r.Context(), body.URL, body.Filename)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"url": objectURL})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/editor/sessions" {
		var body struct {
			DraftID string `json:"draftId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.DraftID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "draftId is required", nil)
			return
		}
		payload, err := s.service.OpenEditorSession(r.Context(), body.DraftID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/drafts/{id}[/...]
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "drafts" {
		draftID := parts[2]

		if len(parts) == 3 && r.Method == http.MethodGet {
			payload, err := s.service.GetDraft(r.Context(), draftID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if len(parts) == 4 && parts[3] == "sections" && r.Method == http.MethodPut {
			var body SectionOp
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.ApplySectionOp(r.Context(), draftID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if len(parts) == 4 && parts[3] == "moves" && r.Method == http.MethodPost {
			var body MoveInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.ApplyMove(r.Context(), draftID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if len(parts) == 4 && parts[3] == "preview.pdf" && r.Method == http.MethodGet {
			result, err := s.service.DraftPreviewPDF(r.Context(), draftID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			w.Header().Set("Content-Type", result.MimeType)
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(result.Data)
			return
		}
	}

	// /api/templates/{id}[/...]
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "templates" {
		templateID := parts[2]

		if len(parts) == 3 && r.Method == http.MethodGet {
			payload, err := s.service.GetTemplate(r.Context(), templateID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if len(parts) == 4 && parts[3] == "versions" && r.Method == http.MethodPost {
			var body struct {
				DraftID   string `json:"draftId"`
				CreatedBy string `json:"createdBy"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if body.DraftID == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "draftId is required", nil)
				return
			}
			payload, err := s.service.SaveTemplateVersion(r.Context(), templateID, body.DraftID, body.CreatedBy)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}

		if len(parts) == 4 && parts[3] == "draft" && r.Method == http.MethodPut {
			s.handleTemplateUpdate(w, r, templateID, false)
			return
		}

		if len(parts) == 4 && parts[3] == "rejected" && r.Method == http.MethodPut {
			s.handleTemplateUpdate(w, r, templateID, true)
			return
		}

		if len(parts) == 4 && parts[3] == "review" && r.Method == http.MethodPost {
			var body struct {
				Decision    string `json:"decision"`
				Note        string `json:"note"`
				AuthorEmail string `json:"authorEmail"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.ReviewTemplate(r.Context(), templateID, body.Decision, body.Note, body.AuthorEmail)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if len(parts) == 4 && parts[3] == "revisions" && r.Method == http.MethodGet {
			limit := 0
			if raw := r.URL.Query().Get("limit"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
					return
				}
				limit = parsed
			}
			items, err := s.service.ListRevisions(r.Context(), templateID, limit)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"revisions": items})
			return
		}

		if len(parts) == 5 && parts[3] == "revisions" && r.Method == http.MethodGet {
			payload, err := s.service.GetRevision(r.Context(), templateID, parts[4])
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	// /api/documents/{id}
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "documents" && r.Method == http.MethodDelete {
		deleted, err := s.service.DeleteDocument(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// /api/editor/sessions/{key}/draft|submit
	if len(parts) == 5 && parts[0] == "api" && parts[1] == "editor" && parts[2] == "sessions" && r.Method == http.MethodPost {
		sessionKey := parts[3]

		switch parts[4] {
		case "draft":
			if err := s.service.EditorDraft(r.Context(), sessionKey); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
			return
		case "submit":
			var body struct {
				Actor string `json:"actor"`
			}
			_ = decodeBody(r, &body)
			payload, err := s.service.EditorSubmit(r.Context(), sessionKey, body.Actor)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleTemplateUpdate(w http.ResponseWriter, r *http.Request, templateID string, rejected bool) {
	var body struct {
		DraftID string `json:"draftId"`
		Actor   string `json:"actor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.DraftID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "draftId is required", nil)
		return
	}

	var (
		payload TemplateView
		err     error
	)
	if rejected {
		payload, err = s.service.UpdateTemplateRejected(r.Context(), templateID, body.DraftID, body.Actor)
	} else {
		payload, err = s.service.UpdateTemplateDraft(r.Context(), templateID, body.DraftID, body.Actor)
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

const maxUploadBytes = 32 << 20

func (s *HTTPServer) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not parse multipart form", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file part is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	upload, err := s.service.UploadDocument(r.Context(), file, header.Size, header.Filename, contentType)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

func (s *HTTPServer) handleEditorCallback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type        string `json:"type"`
		SessionKey  string `json:"sessionKey"`
		Key         string `json:"key"`
		URL         string `json:"url"`
		Code        int    `json:"code"`
		Description string `json:"description"`
		Token       string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	ev := editor.Event{
		Type:        body.Type,
		SessionKey:  firstNonBlank(body.SessionKey, body.Key, r.URL.Query().Get("key")),
		URL:         body.URL,
		Code:        body.Code,
		Description: body.Description,
	}
	token := firstNonBlank(body.Token, bearerToken(r))

	attribution, err := s.service.HandleEditorCallback(r.Context(), token, ev)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	log.Printf("editor callback: type=%s key=%s attribution=%s", ev.Type, ev.SessionKey, attribution)
	writeJSON(w, http.StatusOK, map[string]any{"error": 0})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *schema.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Error(), nil
	}
	var moveErr *schema.MoveRejectedError
	if errors.As(err, &moveErr) {
		return http.StatusConflict, "MOVE_REJECTED", moveErr.Error(), nil
	}
	var reconcileErr *schema.ReconciliationError
	if errors.As(err, &reconcileErr) {
		return http.StatusUnprocessableEntity, "RECONCILIATION_FAILED", reconcileErr.Error(), reconcileErr.Result
	}
	if errors.Is(err, editor.ErrSubmitTimeout) {
		return http.StatusGatewayTimeout, "SUBMIT_TIMEOUT", "The editor did not deliver the exported document in time", nil
	}
	if errors.Is(err, editor.ErrSubmitInFlight) {
		return http.StatusConflict, "SUBMIT_IN_FLIGHT", "A submit is already in progress for this session", nil
	}
	if errors.Is(err, editor.ErrInvalidCallbackToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, session.ErrDraftNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Draft not found", nil
	}
	if errors.Is(err, store.ErrTemplateNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Template not found", nil
	}
	if errors.Is(err, preview.ErrPDFDependencyMissing) {
		return http.StatusServiceUnavailable, "PREVIEW_UNAVAILABLE", "PDF rendering is not available on this host", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
