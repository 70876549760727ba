package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/graygate/internal/apierr"
)

// ErrorEncoder renders a failed request's body. exposeInternal says whether
// the caller may see internal detail.
type ErrorEncoder func(e *apierr.Error, exposeInternal bool) []byte

// StatusModifier picks the HTTP status sent for a failure.
type StatusModifier func(e *apierr.Error) int

// JSONErrors encodes the plain error document
// {"path", "error", "code", "internal"}.
func JSONErrors(e *apierr.Error, exposeInternal bool) []byte {
	return mustMarshal(e.Document(exposeInternal))
}

// graphQLError is one entry of a GraphQL "errors" list.
type graphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions"`
}

// GraphQLErrors encodes the failure as a GraphQL response with a single
// error whose extensions carry the path and code.
func GraphQLErrors(e *apierr.Error, exposeInternal bool) []byte {
	return mustMarshal(map[string]any{"errors": graphQLErrorList(e, exposeInternal)})
}

func graphQLErrorList(e *apierr.Error, exposeInternal bool) []graphQLError {
	doc := e.Document(exposeInternal)
	ext := map[string]any{"path": doc.Path, "code": doc.Code}
	if doc.Internal != nil {
		ext["internal"] = doc.Internal
	}
	return []graphQLError{{Message: doc.Message, Extensions: ext}}
}

// ErrorStatus keeps the status the error carries.
func ErrorStatus(e *apierr.Error) int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// GraphQLStatus reports protocol level failures (handler, validation and
// authentication errors) as 200, leaving transport failures such as
// malformed bodies, admission rejections and internal faults untouched.
func GraphQLStatus(e *apierr.Error) int {
	switch e.Kind {
	case apierr.KindHandler, apierr.KindAuth, apierr.KindNotFound:
		return http.StatusOK
	default:
		return ErrorStatus(e)
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Internal detail that cannot be encoded is dropped.
		b, _ = json.Marshal(map[string]string{"error": "failed to encode error", "code": string(apierr.CodeUnexpected)}) //nolint:errcheck // constant map always encodes
	}
	return b
}

// writeJSON writes a JSON response with the given status code and payload.
// Used outside the request pipeline (websocket upgrade failures, preflight).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a JSON error document without internal detail.
func writeError(w http.ResponseWriter, e *apierr.Error) {
	writeJSON(w, ErrorStatus(e), e.Document(false))
}
