package handler

import (
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// DocsHandler serves the generated OpenAPI document. The document is
// marshalled once on first request.
type DocsHandler struct {
	doc  *openapi3.T
	once sync.Once
	body []byte
	err  error
}

// NewDocsHandler creates a new DocsHandler.
func NewDocsHandler(doc *openapi3.T) *DocsHandler {
	return &DocsHandler{doc: doc}
}

// ServeSpec returns the OpenAPI document as JSON.
// GET /swagger/openapi.json
func (h *DocsHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.body, h.err = h.doc.MarshalJSON()
	})
	if h.err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render OpenAPI document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.body)
}
