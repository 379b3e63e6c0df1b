// Package handler содержит HTTP-обработчики API сервиса сверки выручки.
package handler

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/middleware"
	"github.com/mmeshcher/revenue-system/internal/model"
	"github.com/mmeshcher/revenue-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Status(ctx context.Context) (*service.SyncStatus, error)
	RunCycle(ctx context.Context) (*model.CycleSummary, error)
	CompactCursors(ctx context.Context) (int64, error)
	LTVByEmail(ctx context.Context, email string) ([]model.LTVRecord, error)
	SaveLead(ctx context.Context, lead *model.Lead) error
}

// Handler реализует HTTP-обработчики API сервиса сверки выручки.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookSecret  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  webhookSecret,
	}
}

// SyncStatus возвращает состояние синхронизации и курсоры потоков.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		h.logger.Error("sync status error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, status)
}

// RunSync запускает цикл синхронизации и возвращает его сводку.
// Если цикл уже идёт, возвращает 409.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrSyncRunning) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("run sync error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, summary)
}

type compactResponse struct {
	Removed int64 `json:"removed"`
}

// CompactCursors удаляет устаревшие строки курсоров.
func (h *Handler) CompactCursors(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.CompactCursors(r.Context())
	if err != nil {
		h.logger.Error("compact cursors error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, compactResponse{Removed: removed})
}

// GetLTV возвращает накопленные значения LTV для указанной почты.
func (h *Handler) GetLTV(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	records, err := h.service.LTVByEmail(r.Context(), email)
	if err != nil {
		h.logger.Error("get ltv error", zap.Error(err), zap.String("email", email))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, records)
}

type leadRequest struct {
	Email       string `json:"email"`
	CreatedAt   string `json:"created_at"`
	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
	UTMContent  string `json:"utm_content"`
	GCLID       string `json:"gclid"`
	FBCLID      string `json:"fbclid"`
	Platform    string `json:"platform"`
	CampaignID  string `json:"campaign_id"`
}

// KajabiLead принимает вебхук лида. Запрос подтверждается общим секретом
// в заголовке X-Webhook-Secret.
func (h *Handler) KajabiLead(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" ||
		!hmac.Equal([]byte(r.Header.Get("X-Webhook-Secret")), []byte(h.webhookSecret)) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req leadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lead := &model.Lead{
		Email:       req.Email,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		UTMContent:  req.UTMContent,
		GCLID:       req.GCLID,
		FBCLID:      req.FBCLID,
		Platform:    req.Platform,
		CampaignID:  req.CampaignID,
	}
	if lead.Platform == "" {
		lead.Platform = detectAdPlatform(req.GCLID, req.FBCLID, req.UTMSource)
	}
	if req.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, req.CreatedAt); err == nil {
			lead.CreatedAt = ts
		}
	}

	if err := h.service.SaveLead(r.Context(), lead); err != nil {
		h.logger.Error("save lead error", zap.Error(err), zap.String("email", req.Email))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// detectAdPlatform определяет рекламную платформу по идентификаторам кликов
// и utm_source, если платформа не указана явно.
func detectAdPlatform(gclid, fbclid, utmSource string) string {
	src := strings.ToLower(utmSource)
	switch {
	case gclid != "":
		return "google_ads"
	case fbclid != "":
		return "meta"
	case strings.Contains(src, "google"):
		return "google_ads"
	case strings.Contains(src, "facebook"), strings.Contains(src, "meta"):
		return "meta"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
