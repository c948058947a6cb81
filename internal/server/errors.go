package server

import (
	"net/http"

	apperrors "github.com/relaygate/relaygate/internal/errors"
)

// HandleError writes err as an error envelope response.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
