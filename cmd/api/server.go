package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"agreementflow/agreement"
	"agreementflow/audit"
	"agreementflow/auth"
	"agreementflow/blob"
	"agreementflow/content"
	"agreementflow/logger"
	"agreementflow/party"
	"agreementflow/signature"
)

const (
	dateLayout       = "2006-01-02"
	defaultMaxUpload = 6 << 20
	// maxJSONBody fits a base64 data URL of the largest accepted signature image.
	maxJSONBody = 4 << 20
)

type agreementService interface {
	Create(ctx context.Context, params agreement.CreateParams) (agreement.Record, error)
	Sign(ctx context.Context, params agreement.SignParams) (agreement.Record, error)
	Transition(ctx context.Context, params agreement.TransitionParams) (agreement.Record, error)
	Reschedule(ctx context.Context, params agreement.RescheduleParams) (agreement.Record, error)
	Delete(ctx context.Context, params agreement.DeleteParams) error
	Get(ctx context.Context, id, actorID string) (agreement.Record, error)
	List(ctx context.Context, filter agreement.ListFilter) (agreement.ListResult, error)
}

type templateLister interface {
	ListByProvider(ctx context.Context, providerID string) ([]content.LibraryTemplate, error)
}

type blobReader interface {
	Get(ctx context.Context, ref string) ([]byte, blob.Object, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Principal, error)
}

// Server exposes the agreement API over HTTP.
type Server struct {
	agreements agreementService
	templates  templateLister
	blobs      blobReader
	tokens     tokenVerifier
	health     func(ctx context.Context) error
	logger     *zap.Logger
	maxUpload  int64
}

// Routes builds the router. Everything under /api requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Route("/agreements", func(ag chi.Router) {
			ag.Post("/", s.handleCreateAgreement)
			ag.Get("/", s.handleListAgreements)
			ag.Get("/{id}", s.handleGetAgreement)
			ag.Delete("/{id}", s.handleDeleteAgreement)
			ag.Post("/{id}/signatures", s.handleSignAgreement)
			ag.Post("/{id}/transitions", s.handleTransitionAgreement)
			ag.Patch("/{id}/dates", s.handleRescheduleAgreement)
		})
		api.Get("/templates", s.handleListTemplates)
		api.Get("/blobs/{digest}", s.handleGetBlob)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log(r).Warn("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createContentRequest struct {
	Strategy   string `json:"strategy"`
	TemplateID string `json:"templateId"`
	Terms      string `json:"terms"`
}

type createAgreementRequest struct {
	ProviderID    string               `json:"providerId"`
	ParticipantID string               `json:"participantId"`
	ServiceID     *string              `json:"serviceId"`
	StartDate     string               `json:"startDate"`
	EndDate       string               `json:"endDate"`
	Content       createContentRequest `json:"content"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var (
		body   createAgreementRequest
		upload *content.Upload
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		limit := s.maxUpload
		if limit <= 0 {
			limit = defaultMaxUpload
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseMultipartForm(limit); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_FORM", "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()

		body = createAgreementRequest{
			ProviderID:    r.FormValue("providerId"),
			ParticipantID: r.FormValue("participantId"),
			StartDate:     r.FormValue("startDate"),
			EndDate:       r.FormValue("endDate"),
			Content: createContentRequest{
				Strategy:   r.FormValue("strategy"),
				TemplateID: r.FormValue("templateId"),
				Terms:      r.FormValue("terms"),
			},
		}
		if sid := r.FormValue("serviceId"); sid != "" {
			body.ServiceID = &sid
		}

		file, header, err := r.FormFile("document")
		switch {
		case err == nil:
			defer file.Close()
			upload = &content.Upload{FileName: header.Filename, Reader: file}
			if body.Content.Strategy == "" {
				body.Content.Strategy = string(content.KindUploadedDocument)
			}
		case errors.Is(err, http.ErrMissingFile):
		default:
			writeError(w, http.StatusBadRequest, "BAD_FORM", "invalid document part")
			return
		}
	} else if !decodeJSON(w, r, &body) {
		return
	}

	start, err := parseDate(body.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_DATE", "startDate must be YYYY-MM-DD")
		return
	}
	end, err := parseDate(body.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_DATE", "endDate must be YYYY-MM-DD")
		return
	}

	rec, err := s.agreements.Create(r.Context(), agreement.CreateParams{
		ActorID:       principalID(r.Context()),
		ProviderID:    body.ProviderID,
		ParticipantID: body.ParticipantID,
		ServiceID:     body.ServiceID,
		StartDate:     start,
		EndDate:       end,
		Content: content.Request{
			Strategy:   content.Kind(body.Content.Strategy),
			TemplateID: body.Content.TemplateID,
			Terms:      body.Content.Terms,
			Document:   upload,
		},
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(rec))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := agreement.ListFilter{}

	switch principalRole(r.Context()) {
	case party.RoleProvider:
		filter.ProviderID = principalID(r.Context())
	case party.RoleParticipant:
		filter.ParticipantID = principalID(r.Context())
	default:
		writeError(w, http.StatusForbidden, "FORBIDDEN", "unknown role")
		return
	}

	if raw := q.Get("status"); raw != "" {
		status, err := agreement.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_STATUS", err.Error())
			return
		}
		filter.Status = status
	}
	var ok bool
	if filter.Page, ok = queryInt(w, q.Get("page"), "page"); !ok {
		return
	}
	if filter.PageSize, ok = queryInt(w, q.Get("pageSize"), "pageSize"); !ok {
		return
	}

	result, err := s.agreements.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]agreementResponse, 0, len(result.Items))
	for _, rec := range result.Items {
		items = append(items, toAgreementResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	rec, err := s.agreements.Get(r.Context(), chi.URLParam(r, "id"), principalID(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(rec))
}

type signRequest struct {
	Role  string `json:"role"`
	Image string `json:"image"`
}

func (s *Server) handleSignAgreement(w http.ResponseWriter, r *http.Request) {
	var body signRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	role := principalRole(r.Context())
	if body.Role != "" {
		parsed, err := party.ParseRole(body.Role)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_ROLE", err.Error())
			return
		}
		role = parsed
	}
	img, err := decodeImage(body.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_IMAGE", "image must be base64 or a data URL")
		return
	}

	rec, err := s.agreements.Sign(r.Context(), agreement.SignParams{
		AgreementID: chi.URLParam(r, "id"),
		ActorID:     principalID(r.Context()),
		Role:        role,
		Image:       img,
		Audit:       audit.FromRequest(r, ""),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(rec))
}

type transitionRequest struct {
	Event string `json:"event"`
}

func (s *Server) handleTransitionAgreement(w http.ResponseWriter, r *http.Request) {
	var body transitionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	ev, err := agreement.ParseEvent(body.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_EVENT", err.Error())
		return
	}

	rec, err := s.agreements.Transition(r.Context(), agreement.TransitionParams{
		AgreementID: chi.URLParam(r, "id"),
		ActorID:     principalID(r.Context()),
		Event:       ev,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(rec))
}

type rescheduleRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

func (s *Server) handleRescheduleAgreement(w http.ResponseWriter, r *http.Request) {
	var body rescheduleRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	start, err := parseDate(body.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_DATE", "startDate must be YYYY-MM-DD")
		return
	}
	end, err := parseDate(body.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_DATE", "endDate must be YYYY-MM-DD")
		return
	}

	rec, err := s.agreements.Reschedule(r.Context(), agreement.RescheduleParams{
		AgreementID: chi.URLParam(r, "id"),
		ActorID:     principalID(r.Context()),
		StartDate:   start,
		EndDate:     end,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(rec))
}

func (s *Server) handleDeleteAgreement(w http.ResponseWriter, r *http.Request) {
	err := s.agreements.Delete(r.Context(), agreement.DeleteParams{
		AgreementID: chi.URLParam(r, "id"),
		ActorID:     principalID(r.Context()),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type templateResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FileURL   string `json:"fileUrl"`
	FileName  string `json:"fileName"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("providerId")
	if providerID == "" && principalRole(r.Context()) == party.RoleProvider {
		providerID = principalID(r.Context())
	}
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PROVIDER", "providerId is required")
		return
	}

	templates, err := s.templates.ListByProvider(r.Context(), providerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]templateResponse, 0, len(templates))
	for _, t := range templates {
		items = append(items, templateResponse{
			ID:        t.ID,
			Name:      t.Name,
			FileURL:   t.FileURL,
			FileName:  t.FileName,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	data, obj, err := s.blobs.Get(r.Context(), chi.URLParam(r, "digest"))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidRef) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "blob not found")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("ETag", strconv.Quote(obj.Digest))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type signatureResponse struct {
	SignedAt       string `json:"signedAt"`
	ImageRef       string `json:"imageRef"`
	ImageDigest    string `json:"imageDigest"`
	ContentType    string `json:"contentType"`
	IPAddress      string `json:"ipAddress"`
	UserAgent      string `json:"userAgent,omitempty"`
	AuditTimestamp string `json:"auditTimestamp"`
}

type agreementResponse struct {
	ID                   string             `json:"id"`
	Number               string             `json:"number"`
	ProviderID           string             `json:"providerId"`
	ParticipantID        string             `json:"participantId"`
	ServiceID            *string            `json:"serviceId,omitempty"`
	Status               string             `json:"status"`
	StartDate            string             `json:"startDate"`
	EndDate              string             `json:"endDate"`
	ContentStrategy      string             `json:"contentStrategy"`
	Content              json.RawMessage    `json:"content"`
	ProviderSigned       bool               `json:"providerSigned"`
	ParticipantSigned    bool               `json:"participantSigned"`
	ProviderSignature    *signatureResponse `json:"providerSignature,omitempty"`
	ParticipantSignature *signatureResponse `json:"participantSignature,omitempty"`
	Version              int                `json:"version"`
	CreatedAt            string             `json:"createdAt"`
	UpdatedAt            string             `json:"updatedAt"`
}

func toAgreementResponse(rec agreement.Record) agreementResponse {
	resp := agreementResponse{
		ID:                   rec.ID,
		Number:               rec.Number,
		ProviderID:           rec.ProviderID,
		ParticipantID:        rec.ParticipantID,
		ServiceID:            rec.ServiceID,
		Status:               rec.Status.String(),
		StartDate:            rec.Dates.Start.Format(dateLayout),
		EndDate:              rec.Dates.End.Format(dateLayout),
		Content:              json.RawMessage("null"),
		ProviderSigned:       rec.ProviderSigned,
		ParticipantSigned:    rec.ParticipantSigned,
		ProviderSignature:    toSignatureResponse(rec.ProviderSignature),
		ParticipantSignature: toSignatureResponse(rec.ParticipantSignature),
		Version:              rec.Version,
		CreatedAt:            rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if kind, body, err := content.Encode(rec.Content); err == nil {
		resp.ContentStrategy = string(kind)
		resp.Content = body
	}
	return resp
}

func toSignatureResponse(sig *signature.Record) *signatureResponse {
	if sig == nil {
		return nil
	}
	return &signatureResponse{
		SignedAt:       sig.SignedAt.UTC().Format(time.RFC3339),
		ImageRef:       sig.ImageRef,
		ImageDigest:    sig.ImageDigest,
		ContentType:    sig.ContentType,
		IPAddress:      sig.Audit.IPAddress,
		UserAgent:      sig.Audit.UserAgent,
		AuditTimestamp: sig.Audit.Timestamp.UTC().Format(time.RFC3339),
	}
}

// writeServiceError maps domain errors onto HTTP status codes. Anything
// unrecognised is logged and reported as 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, agreement.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, agreement.ErrTerminalState):
		writeError(w, http.StatusConflict, "TERMINAL_STATE", err.Error())
	case errors.Is(err, agreement.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, agreement.ErrLocked):
		writeError(w, http.StatusConflict, "LOCKED", err.Error())
	case errors.Is(err, agreement.ErrNotDeletable):
		writeError(w, http.StatusConflict, "NOT_DELETABLE", err.Error())
	case errors.Is(err, agreement.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, "CONCURRENT_UPDATE", err.Error())
	case errors.Is(err, agreement.ErrDateRange):
		writeError(w, http.StatusUnprocessableEntity, "DATE_RANGE", err.Error())
	case errors.Is(err, content.ErrContent):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_CONTENT", err.Error())
	case errors.Is(err, signature.ErrEmptySignature):
		writeError(w, http.StatusUnprocessableEntity, "EMPTY_SIGNATURE", err.Error())
	case errors.Is(err, party.ErrNotFound), errors.Is(err, party.ErrRoleMismatch):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_PARTY", err.Error())
	default:
		s.log(r).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) log(r *http.Request) *zap.Logger {
	return logger.WithRequestID(r.Context(), s.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return false
	}
	return true
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "BAD_QUERY", name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// decodeImage accepts raw base64 or a data URL such as "data:image/png;base64,...".
// Data URLs are handed to the capturer as is. An empty string decodes to no
// bytes so the capturer can report it.
func decodeImage(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "data:") {
		return []byte(raw), nil
	}
	if img, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return img, nil
	}
	return base64.RawStdEncoding.DecodeString(raw)
}
