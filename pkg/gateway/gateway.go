// Package gateway compiles a project's declarative route table into a
// priority-ordered matcher (C4) and dispatches incoming HTTP requests
// against it, building the structured HTTP event passed to the target
// function and shaping its response (C5).
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/clowdy-run/clowdy/pkg/types"
)

// ErrProjectNotFound and ErrRouteNotFound distinguish the two 404 cases of
// the dispatch algorithm (spec §4.4 step 1 and step 4).
var (
	ErrProjectNotFound = errors.New("project not found")
	ErrRouteNotFound   = errors.New("route not found")
)

// maxBodyBytes bounds the request body forwarded into a function container;
// untrusted code runs with a 128 MiB memory ceiling, so an unbounded body
// read is its own resource-exhaustion vector (spec.md §9 open question,
// resolved: enforce a cap).
const maxBodyBytes = 8 << 20

// BuildEvent constructs the structured HTTP event passed as a gateway
// invocation's input (spec §4.4).
func BuildEvent(r *http.Request, remainder string, params map[string]string) (*types.HTTPEvent, error) {
	query := make(map[string]string, len(r.URL.Query()))
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[len(values)-1]
		}
	}

	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}

	body, err := readBody(r)
	if err != nil {
		return nil, err
	}

	return &types.HTTPEvent{
		Method:  r.Method,
		Path:    remainder,
		Params:  params,
		Query:   query,
		Headers: headers,
		Body:    body,
	}, nil
}

func readBody(r *http.Request) (any, error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := io.LimitReader(r.Body, maxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBodyBytes {
		return nil, errors.New("request body exceeds gateway limit")
	}
	if len(raw) == 0 {
		return nil, nil
	}

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return parsed, nil
		}
	}
	return string(raw), nil
}

// WriteResponse shapes a function's return value into an HTTP response
// (spec §4.4 Response shaping).
func WriteResponse(w http.ResponseWriter, output json.RawMessage, status types.InvocationStatus) {
	switch status {
	case types.InvocationTimeout:
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": errorMessage(output, "execution timeout")})
		return
	case types.InvocationError:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": errorMessage(output, "execution error")})
		return
	}

	if isShapedResponse(output) {
		var shaped types.FunctionResponse
		if err := json.Unmarshal(output, &shaped); err == nil {
			writeShaped(w, shaped)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(output)
}

// isShapedResponse distinguishes a declarative {statusCode?, headers?, body}
// response from a raw value a function returns verbatim. statusCode is
// "integer, default 200" (spec.md §4.4) and so omittable; its zero value is
// indistinguishable from an explicit 0, so shape is detected by the
// presence of the body key instead.
func isShapedResponse(output json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(output, &obj); err != nil {
		return false
	}
	_, hasBody := obj["body"]
	return hasBody
}

func writeShaped(w http.ResponseWriter, shaped types.FunctionResponse) {
	for key, value := range shaped.Headers {
		w.Header().Set(key, value)
	}
	statusCode := shaped.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	switch body := shaped.Body.(type) {
	case string:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain")
		}
		w.WriteHeader(statusCode)
		_, _ = io.WriteString(w, body)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func errorMessage(output json.RawMessage, fallback string) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(output, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return fallback
}
