package handlers

import (
	"errors"
	"net/http"

	"donationsvc/internal/domain"
)

// fail maps domain errors to HTTP statuses. Anything unrecognised is logged
// and reported as an internal error without details.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownOrder):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidAmount):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotRecurring),
		errors.Is(err, domain.ErrDuplicateOperation),
		errors.Is(err, domain.ErrMissingBillingInstrument):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrGatewayRejected), errors.Is(err, domain.ErrGatewayUnreachable):
		a.error(w, http.StatusBadGateway, "gateway_error", err.Error())
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("handler failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
