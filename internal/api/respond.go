package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-registry/internal/validation"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// maxBodyBytes caps request bodies; a registration or notify payload is tiny.
const maxBodyBytes = 64 << 10

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest)
}

// writeError maps validation and store failures onto status codes.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var vErr *validation.Error
	switch {
	case errors.As(err, &vErr):
		response.WriteJSONError(w, http.StatusBadRequest, vErr.Code)
	case errors.Is(err, errForeignOwner):
		response.WriteJSONError(w, http.StatusForbidden, errForeignOwner.Error())
	case errors.Is(err, dispatch.ErrNoRecipients):
		response.WriteJSONError(w, http.StatusBadRequest, dispatch.ErrNoRecipients.Error())
	case errors.Is(err, dispatch.ErrStoreUnavailable):
		logger.Error("token store unavailable", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "store_unavailable")
	case errors.Is(err, dispatch.ErrProviderCredentials):
		logger.Error("provider credentials unavailable", "marker", "config_missing", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "provider_credentials")
	default:
		logger.Error("request failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "internal_error")
	}
}
