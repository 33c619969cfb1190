package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pagosyradicacion/carga/internal/core"
)

// response is the envelope every endpoint returns, success or failure.
type response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Status mapping for classified engine failures.
func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindInputRejected:
		return http.StatusUnprocessableEntity
	case core.KindStorageExhausted:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeOK(w http.ResponseWriter, r *http.Request, message string) {
	h.writeJSON(w, http.StatusOK, response{OK: true, Message: message})
}

func (h *handlers) writeProblem(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.writeJSON(w, status, response{OK: false, Message: message})
}

// writeError maps an engine or transport failure to a status and an
// operator-facing message. Infrastructure causes are logged in full but
// never leaked to the response body.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := h.requestLogger(r)
	if maxBytesExceeded(err) {
		h.writeProblem(w, r, http.StatusRequestEntityTooLarge,
			"El archivo supera el tamaño máximo permitido.")
		return
	}
	status := statusFor(core.KindOf(err))
	if status == http.StatusInternalServerError {
		log.Error("fallo no clasificado atendiendo la carga", "path", r.URL.Path, "error", err)
		h.writeProblem(w, r, status, "Ocurrió un error inesperado procesando el archivo. Contacte al administrador.")
		return
	}
	log.Warn("carga rechazada", "path", r.URL.Path, "status", status, "error", err)
	h.writeProblem(w, r, status, operatorMessage(err))
}

// operatorMessage extracts the Spanish-language message from a classified
// engine error.
func operatorMessage(err error) string {
	var e *core.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("no fue posible escribir la respuesta", "error", err)
	}
}
