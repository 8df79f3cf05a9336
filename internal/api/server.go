package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/muhammadhafla/crm-bullk-sub000/internal/campaign"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/models"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/recipients"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/store"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/telemetry"
)

// DLQReader exposes the dead-letter peek used by the operational endpoint.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires the control-plane HTTP handlers.
type Server struct {
	campaigns *campaign.Service
	dlq       DLQReader
	s3        recipients.ObjectGetter
	log       *zap.Logger
}

// New constructs the API server. s3 may be nil when object-store import is
// not configured.
func New(campaigns *campaign.Service, dlq DLQReader, s3 recipients.ObjectGetter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{campaigns: campaigns, dlq: dlq, s3: s3, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/campaigns", s.handleCreate)
	r.Get("/campaigns/{id}", s.handleGet)
	r.Delete("/campaigns/{id}", s.handleDelete)
	r.Post("/campaigns/{id}/recipients", s.handleAddRecipients)
	r.Post("/campaigns/{id}/launch", s.handleLaunch)
	r.Post("/campaigns/{id}/pause", s.handlePause)
	r.Post("/campaigns/{id}/resume", s.handleResume)
	r.Post("/campaigns/{id}/cancel", s.handleCancel)
	r.Get("/campaigns/{id}/status", s.handleStatus)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createRequest struct {
	Name       string `json:"name"`
	Template   string `json:"template"`
	MinDelayMS int64  `json:"min_delay_ms"`
	MaxDelayMS int64  `json:"max_delay_ms"`
	MaxRetries int    `json:"max_retries"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	c, err := s.campaigns.Create(r.Context(), campaign.CreateParams{
		TenantID:   tenantFromRequest(r),
		Name:       req.Name,
		Template:   req.Template,
		MinDelay:   time.Duration(req.MinDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(req.MaxDelayMS) * time.Millisecond,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Delete(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type addRecipientsRequest struct {
	Recipients []struct {
		Phone     string            `json:"phone"`
		Variables map[string]string `json:"variables"`
	} `json:"recipients"`
	S3Bucket string `json:"s3_bucket"`
	S3Key    string `json:"s3_key"`
}

func (s *Server) handleAddRecipients(w http.ResponseWriter, r *http.Request) {
	var req addRecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var recs []models.Recipient
	switch {
	case req.S3Bucket != "" && req.S3Key != "":
		if s.s3 == nil {
			http.Error(w, "s3 import not configured", http.StatusBadRequest)
			return
		}
		imported, err := recipients.FromS3(r.Context(), s.s3, req.S3Bucket, req.S3Key)
		if err != nil {
			s.log.Error("s3 import", zap.String("bucket", req.S3Bucket), zap.String("key", req.S3Key), zap.Error(err))
			http.Error(w, "s3 import failed", http.StatusBadGateway)
			return
		}
		recs = imported
	case len(req.Recipients) > 0:
		for _, rec := range req.Recipients {
			if rec.Phone == "" {
				http.Error(w, "recipient phone is required", http.StatusBadRequest)
				return
			}
			recs = append(recs, models.Recipient{Phone: rec.Phone, Variables: rec.Variables})
		}
	default:
		http.Error(w, "recipients or s3 reference required", http.StatusBadRequest)
		return
	}

	added, err := s.campaigns.AddRecipients(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"), recs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	res, err := s.campaigns.Launch(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.CampaignsLaunched.Inc()
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Pause(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.CampaignPaused})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Resume(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.CampaignActive})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Cancel(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.CampaignCancelled})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.campaigns.Status(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, campaign.ErrWrongTenant):
		http.Error(w, "campaign not found", http.StatusNotFound)
	case errors.Is(err, campaign.ErrBadTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
