package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/relaygate/relaygate/internal/errors"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// decodeBody strictly decodes a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.NewInvalidInputError("request body is required")
		}
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return apperrors.NewInvalidInputError("request body must hold a single JSON object")
	}
	return nil
}
