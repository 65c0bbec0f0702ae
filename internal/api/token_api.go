package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-registry/internal/validation"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

type TokenAPI struct {
	Store  dispatch.TokenStore
	Logger *slog.Logger
}

func NewTokenAPI(store dispatch.TokenStore, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Store:  store,
		Logger: logger.With("component", "TokenAPI"),
	}
}

// RegisterTokenRequest accepts either userId or email as the owner.
// Keys are only sent by browsers registering a web-push subscription, whose endpoint is the token.
type RegisterTokenRequest struct {
	UserID   string                `json:"userId"`
	Email    string                `json:"email"`
	Token    string                `json:"token"`
	Platform string                `json:"platform"`
	Provider string                `json:"provider"`
	App      string                `json:"app"`
	Keys     *dispatch.WebPushKeys `json:"keys"`
}

type RegisterTokenResponse struct {
	OK       bool              `json:"ok"`
	Updated  bool              `json:"updated"`
	ID       string            `json:"id"`
	Provider dispatch.Provider `json:"provider"`
	Platform dispatch.Platform `json:"platform"`
}

type UnregisterTokenRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Token  string `json:"token"`
}

// --- DOOR A: Register ---

func (api *TokenAPI) RegisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := api.Logger.With("request_id", RequestIDFromContext(ctx))

	var req RegisterTokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	userID, err := ownerOf(ctx, req.UserID, req.Email)
	if err != nil {
		logger.Warn("Rejected request for another user's tokens", "err", err)
		writeError(w, logger, err)
		return
	}
	rec := validation.Infer(dispatch.DeviceTokenRecord{
		Token:         req.Token,
		Provider:      dispatch.Provider(req.Provider),
		Platform:      dispatch.Platform(req.Platform),
		AppIdentifier: strings.TrimSpace(req.App),
		WebPush:       req.Keys,
	})
	if err := validation.ValidateRecord(userID, rec); err != nil {
		logger.Warn("RegisterToken: validation failed", "err", err)
		writeError(w, logger, err)
		return
	}

	res, err := api.Store.Register(ctx, userID, rec)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	if len(res.ReassignedFrom) > 0 {
		logger.Info("RegisterToken: token moved between users", "user", res.DocumentID, "previous", res.ReassignedFrom)
	}
	logger.Info("RegisterToken: token registered", "user", res.DocumentID, "provider", rec.Provider, "updated", res.Updated)

	response.WriteJSON(w, http.StatusOK, RegisterTokenResponse{
		OK:       true,
		Updated:  res.Updated,
		ID:       res.DocumentID,
		Provider: rec.Provider,
		Platform: rec.Platform,
	})
}

// --- DOOR B: Unregister ---

func (api *TokenAPI) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := api.Logger.With("request_id", RequestIDFromContext(ctx))

	var req UnregisterTokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	userID, err := ownerOf(ctx, req.UserID, req.Email)
	if err != nil {
		logger.Warn("Rejected request for another user's tokens", "err", err)
		writeError(w, logger, err)
		return
	}
	token := strings.TrimSpace(req.Token)
	if userID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, validation.CodeMissingUserID)
		return
	}
	if token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, validation.CodeMissingToken)
		return
	}

	// Unregistering an unknown token is a no-op, so retries are safe.
	if err := api.Store.Prune(ctx, userID, []string{token}); err != nil {
		writeError(w, logger, err)
		return
	}
	logger.Info("UnregisterToken: token removed", "user", dispatch.NormalizeUserID(userID))

	response.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// errForeignOwner is returned when an authenticated caller names a different user in the body.
var errForeignOwner = errors.New("owner_mismatch")

// ownerOf resolves whose document a request touches. With auth enabled the caller's identity wins
// and a body naming someone else is rejected; without auth the body's userId, then email, is used.
func ownerOf(ctx context.Context, userID, email string) (string, error) {
	claimed := strings.TrimSpace(userID)
	if claimed == "" {
		claimed = strings.TrimSpace(email)
	}

	caller := authenticatedUser(ctx)
	if caller == "" {
		return claimed, nil
	}
	if claimed != "" && dispatch.NormalizeUserID(claimed) != dispatch.NormalizeUserID(caller) {
		return "", errForeignOwner
	}
	return caller, nil
}

// authenticatedUser reads the subject the JWKS middleware stored, falling back to the handle claim.
func authenticatedUser(ctx context.Context) string {
	if id, ok := middleware.GetUserIDFromContext(ctx); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	if handle, ok := middleware.GetUserHandleFromContext(ctx); ok {
		return strings.TrimSpace(handle)
	}
	return ""
}
