package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/siteguard/api/internal/app"
	"github.com/siteguard/api/pkg/apierror"
	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/domain/shared"
	"github.com/siteguard/api/pkg/logger"
	"github.com/siteguard/api/pkg/validator"
)

// ScanSessionHandler handles scan session HTTP requests.
type ScanSessionHandler struct {
	service   *app.ScanSessionService
	validator *validator.Validator
	logger    *logger.Logger
}

// NewScanSessionHandler creates a new ScanSessionHandler.
func NewScanSessionHandler(svc *app.ScanSessionService, v *validator.Validator, log *logger.Logger) *ScanSessionHandler {
	return &ScanSessionHandler{
		service:   svc,
		validator: v,
		logger:    log,
	}
}

// ScanSessionResponse represents a scan session in API responses.
type ScanSessionResponse struct {
	ID            string                `json:"id"`
	OwnerID       string                `json:"owner_id"`
	URL           string                `json:"url"`
	IPAddress     string                `json:"ip_address,omitempty"`
	WebServer     string                `json:"web_server,omitempty"`
	AuthMethod    string                `json:"auth_method,omitempty"`
	Phase         string                `json:"phase"`
	CrawlProgress int                   `json:"crawl_progress"`
	ScanProgress  int                   `json:"scan_progress"`
	CrawlResults  []string              `json:"crawl_results,omitempty"`
	ScanResults   []scansession.Finding `json:"scan_results,omitempty"`
	ErrorDetail   string                `json:"error_detail,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func toScanSessionResponse(s *scansession.ScanSession) ScanSessionResponse {
	return ScanSessionResponse{
		ID:            s.ID.String(),
		OwnerID:       s.Owner.String(),
		URL:           s.URL,
		IPAddress:     s.IPAddress,
		WebServer:     s.WebServer,
		AuthMethod:    s.AuthMethod,
		Phase:         string(s.Phase()),
		CrawlProgress: s.CrawlProgress,
		ScanProgress:  s.ScanProgress,
		CrawlResults:  s.CrawlResults,
		ScanResults:   s.ScanResults,
		ErrorDetail:   s.ErrorDetail,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// StartScanRequest represents the request to start a scan.
type StartScanRequest struct {
	URL     string `json:"url" validate:"required,scan_target"`
	OwnerID string `json:"owner_id" validate:"required,uuid"`
}

// StartScan handles POST /api/v1/scans
// @Summary      Start a scan
// @Description  Validates the target, submits a crawl and creates a scan session
// @Tags         Scans
// @Accept       json
// @Produce      json
// @Param        request  body      StartScanRequest  true  "Scan target"
// @Success      201  {object}  ScanSessionResponse
// @Failure      400  {object}  apierror.Response
// @Failure      409  {object}  apierror.Response
// @Failure      500  {object}  apierror.Response
// @Router       /scans [post]
func (h *ScanSessionHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req StartScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.BadRequest("Invalid request body").WriteJSON(w)
		return
	}

	if err := h.validator.Validate(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			apierror.ValidationFailed("Request validation failed", verrs).WriteJSON(w)
			return
		}
		apierror.BadRequest(err.Error()).WriteJSON(w)
		return
	}

	owner := shared.MustIDFromString(req.OwnerID)

	session, err := h.service.StartScan(r.Context(), owner, req.URL)
	if err != nil {
		h.writeError(w, err, "failed to start scan")
		return
	}

	writeJSON(w, http.StatusCreated, toScanSessionResponse(session))
}

// GetScan handles GET /api/v1/scans/{id}
// @Summary      Get scan session
// @Description  Returns a scan session with its current phase and results
// @Tags         Scans
// @Produce      json
// @Param        id        path   string  true  "Scan session ID"
// @Param        owner_id  query  string  true  "Owner ID"
// @Success      200  {object}  ScanSessionResponse
// @Failure      400  {object}  apierror.Response
// @Failure      404  {object}  apierror.Response
// @Router       /scans/{id} [get]
func (h *ScanSessionHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	session, err := h.service.Get(r.Context(), owner, id)
	if err != nil {
		h.writeError(w, err, "failed to get scan")
		return
	}

	writeJSON(w, http.StatusOK, toScanSessionResponse(session))
}

// ListScans handles GET /api/v1/scans
// @Summary      List scan sessions
// @Description  Returns all scan sessions for an owner, newest first
// @Tags         Scans
// @Produce      json
// @Param        owner_id  query  string  true  "Owner ID"
// @Success      200  {object}  ListResponse[ScanSessionResponse]
// @Failure      400  {object}  apierror.Response
// @Router       /scans [get]
func (h *ScanSessionHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerFromQuery(w, r)
	if !ok {
		return
	}

	sessions, err := h.service.List(r.Context(), owner)
	if err != nil {
		h.writeError(w, err, "failed to list scans")
		return
	}

	data := make([]ScanSessionResponse, 0, len(sessions))
	for _, s := range sessions {
		data = append(data, toScanSessionResponse(s))
	}

	writeJSON(w, http.StatusOK, ListResponse[ScanSessionResponse]{
		Data:  data,
		Total: len(data),
	})
}

// DeleteScan handles DELETE /api/v1/scans/{id}
// @Summary      Delete scan session
// @Tags         Scans
// @Produce      json
// @Param        id        path   string  true  "Scan session ID"
// @Param        owner_id  query  string  true  "Owner ID"
// @Success      200  {object}  map[string]string
// @Failure      404  {object}  apierror.Response
// @Router       /scans/{id} [delete]
func (h *ScanSessionHandler) DeleteScan(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), owner, id); err != nil {
		h.writeError(w, err, "failed to delete scan")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Stats handles GET /api/v1/stats
// @Summary      Scan statistics
// @Description  Returns aggregate scan counts for an owner
// @Tags         Scans
// @Produce      json
// @Param        owner_id  query  string  true  "Owner ID"
// @Success      200  {object}  scansession.Stats
// @Failure      400  {object}  apierror.Response
// @Router       /stats [get]
func (h *ScanSessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerFromQuery(w, r)
	if !ok {
		return
	}

	stats, err := h.service.Stats(r.Context(), owner)
	if err != nil {
		h.writeError(w, err, "failed to get stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *ScanSessionHandler) ownerFromQuery(w http.ResponseWriter, r *http.Request) (shared.ID, bool) {
	raw := r.URL.Query().Get("owner_id")
	if raw == "" {
		apierror.BadRequest("owner_id is required").WriteJSON(w)
		return shared.ID{}, false
	}

	owner, err := shared.IDFromString(raw)
	if err != nil {
		apierror.BadRequest("owner_id must be a valid UUID").WriteJSON(w)
		return shared.ID{}, false
	}
	return owner, true
}

func (h *ScanSessionHandler) ownerAndID(w http.ResponseWriter, r *http.Request) (shared.ID, shared.ID, bool) {
	owner, ok := h.ownerFromQuery(w, r)
	if !ok {
		return shared.ID{}, shared.ID{}, false
	}

	id, err := shared.IDFromString(chi.URLParam(r, "id"))
	if err != nil {
		apierror.BadRequest("id must be a valid UUID").WriteJSON(w)
		return shared.ID{}, shared.ID{}, false
	}
	return owner, id, true
}

// writeError maps domain errors to API responses.
func (h *ScanSessionHandler) writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case shared.IsAlreadyExists(err):
		apierror.Conflict("A scan for this target already exists").WriteJSON(w)
	case shared.IsNotFound(err):
		apierror.NotFound("scan session").WriteJSON(w)
	case errors.Is(err, shared.ErrInvalidInput), shared.IsValidation(err):
		apierror.BadRequest(err.Error()).WriteJSON(w)
	default:
		h.logger.Error(msg, "error", err)
		apierror.InternalError(err).WriteJSON(w)
	}
}
