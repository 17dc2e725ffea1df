package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/batchwatch/internal/errors"
)

// respondWithError writes err in the API error envelope. Only
// *apperrors.HTTPError values choose their status; anything else is a 500.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
