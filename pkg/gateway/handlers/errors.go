package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-call/pkg/gateway/apierror"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, message, code, reqID string) {
	apierror.Write(w, status, &apierror.Error{
		Type:      typ,
		Message:   message,
		Code:      code,
		RequestID: reqID,
	})
}

func writeErrorFrom(w http.ResponseWriter, err error, reqID string) {
	e, status := apierror.FromError(err, reqID)
	apierror.Write(w, status, e)
}
