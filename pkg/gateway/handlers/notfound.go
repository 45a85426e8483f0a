package handlers

import (
	"net/http"

	"github.com/vango-go/vai-call/pkg/gateway/apierror"
	"github.com/vango-go/vai-call/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeError(w, http.StatusNotFound, apierror.TypeNotFound, "not found", "", reqID)
}
