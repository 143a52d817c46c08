package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/internal/apikey"
	"github.com/BaSui01/voxflow/types"
)

// APIKeyStore API Key 持久化
type APIKeyStore interface {
	List(ctx context.Context) ([]apikey.APIKey, error)
	Create(ctx context.Context, key *apikey.APIKey) error
	Update(ctx context.Context, id uint, p apikey.Patch) (*apikey.APIKey, error)
	Delete(ctx context.Context, id uint) error
}

// APIKeyHandler 处理调用方 API Key 的 CRUD 操作
type APIKeyHandler struct {
	store  APIKeyStore
	logger *zap.Logger
}

// NewAPIKeyHandler 创建 APIKeyHandler
func NewAPIKeyHandler(store APIKeyStore, logger *zap.Logger) *APIKeyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIKeyHandler{store: store, logger: logger}
}

// extractKeyID 从请求中提取 key ID（Go 1.22+ PathValue 优先，回退到路径解析）
func extractKeyID(r *http.Request) (uint, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 4 {
			return 0, false
		}
		idStr = parts[3]
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// apiKeyResponse 脱敏后的 API Key 响应
type apiKeyResponse struct {
	ID           uint       `json:"id"`
	APIKeyMasked string     `json:"api_key"`
	Owner        string     `json:"owner"`
	Label        string     `json:"label"`
	Enabled      bool       `json:"enabled"`
	UsageCount   int64      `json:"usage_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toAPIKeyResponse(k *apikey.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:           k.ID,
		APIKeyMasked: k.Masked(),
		Owner:        k.Owner,
		Label:        k.Label,
		Enabled:      k.Enabled,
		UsageCount:   k.UsageCount,
		LastUsedAt:   k.LastUsedAt,
		CreatedAt:    k.CreatedAt,
	}
}

// HandleListAPIKeys GET /api/v1/keys
func (h *APIKeyHandler) HandleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	keys, err := h.store.List(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to list API keys").WithCause(err), h.logger)
		return
	}

	resp := make([]apiKeyResponse, 0, len(keys))
	for i := range keys {
		resp = append(resp, toAPIKeyResponse(&keys[i]))
	}
	WriteSuccess(w, resp)
}

// createAPIKeyRequest 创建 API Key 请求体
type createAPIKeyRequest struct {
	APIKey  string `json:"api_key"`
	Owner   string `json:"owner"`
	Label   string `json:"label"`
	Enabled *bool  `json:"enabled"`
}

// HandleCreateAPIKey POST /api/v1/keys
func (h *APIKeyHandler) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req createAPIKeyRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "api_key is required", h.logger)
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "owner is required", h.logger)
		return
	}

	key := &apikey.APIKey{
		Key:     req.APIKey,
		Owner:   req.Owner,
		Label:   req.Label,
		Enabled: true,
	}
	if err := h.store.Create(r.Context(), key); err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to create API key").WithCause(err), h.logger)
		return
	}

	// 列默认值为 true，停用需要单独更新
	if req.Enabled != nil && !*req.Enabled {
		updated, err := h.store.Update(r.Context(), key.ID, apikey.Patch{Enabled: req.Enabled})
		if err != nil {
			WriteError(w, types.NewError(types.ErrInternalError, "failed to disable API key").WithCause(err), h.logger)
			return
		}
		key = updated
	}

	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      toAPIKeyResponse(key),
		Timestamp: time.Now(),
	})
}

// updateAPIKeyRequest 更新 API Key 请求体
type updateAPIKeyRequest struct {
	Label   *string `json:"label"`
	Enabled *bool   `json:"enabled"`
}

// HandleUpdateAPIKey PUT /api/v1/keys/{id}
func (h *APIKeyHandler) HandleUpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	keyID, ok := extractKeyID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid key ID", h.logger)
		return
	}

	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req updateAPIKeyRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Label == nil && req.Enabled == nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "no fields to update", h.logger)
		return
	}

	key, err := h.store.Update(r.Context(), keyID, apikey.Patch{Label: req.Label, Enabled: req.Enabled})
	if err != nil {
		h.writeStoreError(w, err, "failed to update API key")
		return
	}
	WriteSuccess(w, toAPIKeyResponse(key))
}

// HandleDeleteAPIKey DELETE /api/v1/keys/{id}
func (h *APIKeyHandler) HandleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	keyID, ok := extractKeyID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid key ID", h.logger)
		return
	}

	if err := h.store.Delete(r.Context(), keyID); err != nil {
		h.writeStoreError(w, err, "failed to delete API key")
		return
	}
	WriteSuccess(w, map[string]string{"message": "API key deleted"})
}

func (h *APIKeyHandler) writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, apikey.ErrKeyNotFound) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "API key not found", h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, msg).WithCause(err), h.logger)
}
