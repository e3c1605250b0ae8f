package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/mawi-gateway/internal/gatewayerr"
)

// errorBody is the JSON shape every non-streaming error response uses
// (spec.md §7 "on non-streaming paths the error is a single JSON object
// with HTTP status").
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// httpResponseError classifies err through gatewayerr and writes it as a
// sanitized JSON error body at the Kind's mapped HTTP status.
func httpResponseError(w http.ResponseWriter, err error) {
	kind := gatewayerr.KindOf(err)

	var body errorBody
	body.Error.Message = gatewayerr.Sanitize(err.Error())
	body.Error.Type = string(kind)

	httpResponseJSON(w, body, kind.HTTPStatus())
}

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{
		Message: msg,
	})

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)
	w.Write(msg)
}
