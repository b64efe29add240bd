package httpx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"github.com/mbolis/regional-survey/log"
	"github.com/mbolis/regional-survey/model"
)

// Will log an error, and send an HTTP response with status 500 and default text
func LogInternalError(w http.ResponseWriter, code string, err error) {
	log.Errorf("%s: %+v", code, err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// Will log a debug message, and send an HTTP response with status 404 and default text
func LogNotFound(w http.ResponseWriter, code string, id any) {
	log.Debugf("%s: not found (%v)", code, id)
	w.WriteHeader(http.StatusNotFound)
}

// Will log an error code at the given level, and send
// an HTTP response with status and default text
func LogStatus(w http.ResponseWriter, status int, level log.Level, code string) {
	log.Log(level, code)
	http.Error(w, http.StatusText(status), status)
}

// Will log an error code and message at the given level,
// and send an HTTP response with the given status and formatted message
func LogStatusMsg(w http.ResponseWriter, status int, level log.Level, code string, msg string, args ...any) {
	errMsg := fmt.Sprintf(msg, args...)
	log.Log(level, code+":", errMsg)
	http.Error(w, errMsg, status)
}

type ErrorResponse struct {
	Error  string   `json:"error"`
	Labels []string `json:"labels,omitempty"`
}

// StatusOf maps a service error to its HTTP status.
func StatusOf(err error) int {
	var missing *model.MissingRequiredFieldsError
	switch {
	case errors.As(err, &missing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrDuplicateName),
		errors.Is(err, model.ErrHasDependents),
		errors.Is(err, model.ErrHasResponses),
		errors.Is(err, model.ErrAlreadyCompletedToday):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// WriteError sends err as a JSON error body. Persistence and unknown
// failures are logged with their cause and answered with a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, code string, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		fields := log.Fields{"request": code}
		var pe *model.PersistenceError
		if errors.As(err, &pe) {
			fields["op"] = pe.Op
		}
		log.WithFields(fields).Errorf("%+v", err)
		render.Status(r, status)
		render.JSON(w, r, ErrorResponse{Error: http.StatusText(status)})
		return
	}

	log.WithFields(log.Fields{"request": code, "status": status}).Debug(err)
	body := ErrorResponse{Error: err.Error()}
	var missing *model.MissingRequiredFieldsError
	if errors.As(err, &missing) {
		body.Labels = missing.Labels
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}
