package web

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pagosyradicacion/carga/internal/core"
	"github.com/pagosyradicacion/carga/internal/logging"
)

// Multipart form fields accepted by all upload endpoints.
const (
	fieldArchivo = "archivo"
	fieldTipo    = "tipo"
	fieldUsuario = "usuario"
)

type handlers struct {
	svc         CargaService
	log         *slog.Logger
	maxFileSize int64
}

// upload is the decoded multipart request shared by every endpoint.
type upload struct {
	filename string
	data     []byte
	tipo     string
	usuario  string
}

// readUpload decodes the multipart body, enforcing the size cap before
// buffering anything.
func (h *handlers) readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize)
	if err := r.ParseMultipartForm(h.maxFileSize); err != nil {
		if maxBytesExceeded(err) {
			h.writeError(w, r, err)
		} else {
			h.writeProblem(w, r, http.StatusUnprocessableEntity,
				"El cuerpo de la solicitud no es un formulario multipart válido.")
		}
		return nil, false
	}
	file, header, err := r.FormFile(fieldArchivo)
	if err != nil {
		h.writeProblem(w, r, http.StatusUnprocessableEntity,
			"Falta el archivo. Envíe el CSV en el campo 'archivo' del formulario.")
		return nil, false
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return &upload{
		filename: header.Filename,
		data:     data,
		tipo:     r.FormValue(fieldTipo),
		usuario:  r.FormValue(fieldUsuario),
	}, true
}

func (h *handlers) loadPagos(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	kind, err := core.ParseDatasetKind(up.tipo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.LoadPayments(r.Context(), kind, up.filename, up.data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOK(w, r, res.Message)
}

func (h *handlers) corregirPagos(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	kind, err := core.ParseDatasetKind(up.tipo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.CorrectPayments(r.Context(), kind, up.filename, up.usuario, up.data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOK(w, r, res.Message())
}

func (h *handlers) reemplazarCapita(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	res, err := h.svc.ReplaceCapitation(r.Context(), up.filename, up.data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOK(w, r, res.Message)
}

func (h *handlers) cargarTraza(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	res, err := h.svc.LoadTraza(r.Context(), up.filename, up.data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOK(w, r, res.Message)
}

// requestLogger decorates the logger with the request id.
func (h *handlers) requestLogger(r *http.Request) *slog.Logger {
	return logging.FromContext(r.Context())
}

// maxBytesExceeded reports whether err came from the MaxBytesReader cap.
func maxBytesExceeded(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
