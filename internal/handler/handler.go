// Package handler содержит HTTP-обработчики API сервиса сети лояльности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/benefits-system/internal/benefitcode"
	"github.com/mmeshcher/benefits-system/internal/middleware"
	"github.com/mmeshcher/benefits-system/internal/model"
	"github.com/mmeshcher/benefits-system/internal/repository"
	"github.com/mmeshcher/benefits-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RedeemBenefit(ctx context.Context, req service.RedeemRequest) *service.RedemptionResult
	CheckStatus(ctx context.Context, memberID string) (*model.MembershipStatusReport, error)
	SyncStatus(ctx context.Context, memberID string) bool
	Link(ctx context.Context, memberID, associationID string) bool
	Unlink(ctx context.Context, memberID, associationID string) bool
	SyncAssociationMembers(ctx context.Context, associationID string) (*service.BatchSyncResult, error)
	AssociationMembershipSummary(ctx context.Context, associationID string) (*model.MembershipSummary, error)
	RedemptionHistory(ctx context.Context, memberID string, pageSize int, cursor string) (*service.RedemptionHistoryPage, error)
}

// Handler реализует HTTP-обработчики API сервиса сети лояльности.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type redeemRequest struct {
	MemberID      string `json:"member_id"`
	MerchantID    string `json:"merchant_id"`
	BenefitID     string `json:"benefit_id"`
	AssociationID string `json:"association_id"`
	Code          string `json:"code"`
}

// Redeem обрабатывает запрос на погашение бенефита. Вместо пары
// коммерсант/бенефит может быть передан сырой отсканированный код.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Code != "" && req.MerchantID == "" {
		code := benefitcode.Parse(req.Code)
		if code == nil {
			http.Error(w, "unrecognized benefit code", http.StatusBadRequest)
			return
		}
		req.MerchantID = code.MerchantID
		if req.BenefitID == "" {
			req.BenefitID = code.BenefitID
		}
	}

	if req.MemberID == "" || req.MerchantID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res := h.service.RedeemBenefit(r.Context(), service.RedeemRequest{
		MemberID:      req.MemberID,
		MerchantID:    req.MerchantID,
		BenefitID:     req.BenefitID,
		AssociationID: req.AssociationID,
	})

	if !res.Success {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type parseCodeRequest struct {
	Code string `json:"code"`
}

// ParseCode разбирает отсканированный код бенефита.
func (h *Handler) ParseCode(w http.ResponseWriter, r *http.Request) {
	var req parseCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	code := benefitcode.Parse(req.Code)
	if code == nil {
		http.Error(w, "unrecognized benefit code", http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, http.StatusOK, code)
}

// MemberStatus возвращает отчёт о согласованности статусов участника.
func (h *Handler) MemberStatus(w http.ResponseWriter, r *http.Request) {
	memberID := pathID(r, "id")

	report, err := h.service.CheckStatus(r.Context(), memberID)
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) || errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("check member status", zap.Error(err), zap.String("member", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

type syncResponse struct {
	Synced bool `json:"synced"`
}

// SyncMember запускает синхронизацию статусов участника.
func (h *Handler) SyncMember(w http.ResponseWriter, r *http.Request) {
	memberID := pathID(r, "id")
	writeJSON(w, http.StatusOK, syncResponse{Synced: h.service.SyncStatus(r.Context(), memberID)})
}

type linkRequest struct {
	AssociationID string `json:"association_id"`
}

type linkResponse struct {
	Linked bool `json:"linked"`
}

// Link привязывает участника к ассоциации.
func (h *Handler) Link(w http.ResponseWriter, r *http.Request) {
	memberID := pathID(r, "id")

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssociationID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.service.Link(r.Context(), memberID, req.AssociationID) {
		writeJSON(w, http.StatusUnprocessableEntity, linkResponse{})
		return
	}

	writeJSON(w, http.StatusOK, linkResponse{Linked: true})
}

// Unlink отвязывает участника от ассоциации.
func (h *Handler) Unlink(w http.ResponseWriter, r *http.Request) {
	memberID := pathID(r, "id")

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssociationID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.service.Unlink(r.Context(), memberID, req.AssociationID) {
		writeJSON(w, http.StatusUnprocessableEntity, linkResponse{})
		return
	}

	writeJSON(w, http.StatusOK, linkResponse{Linked: false})
}

// RedemptionHistory возвращает страницу истории погашений участника.
func (h *Handler) RedemptionHistory(w http.ResponseWriter, r *http.Request) {
	memberID := pathID(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	page, err := h.service.RedemptionHistory(r.Context(), memberID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.logger.Error("redemption history", zap.Error(err), zap.String("member", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// AssociationSummary возвращает сводку членства по ассоциации.
func (h *Handler) AssociationSummary(w http.ResponseWriter, r *http.Request) {
	associationID := pathID(r, "id")

	summary, err := h.service.AssociationMembershipSummary(r.Context(), associationID)
	if err != nil {
		if errors.Is(err, repository.ErrAssociationNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("association summary", zap.Error(err), zap.String("association", associationID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// SyncAssociation синхронизирует статусы всех участников ассоциации.
func (h *Handler) SyncAssociation(w http.ResponseWriter, r *http.Request) {
	associationID := pathID(r, "id")

	res, err := h.service.SyncAssociationMembers(r.Context(), associationID)
	if err != nil {
		h.logger.Error("sync association", zap.Error(err), zap.String("association", associationID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
