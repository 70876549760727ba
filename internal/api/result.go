package api

import (
	"encoding/json"
	"net/http"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeSQL  = "application/sql"
)

// Result is a successful handler response: either a value encoded as JSON
// or raw bytes with their own content type.
type Result struct {
	// Status defaults to 200.
	Status int
	Header http.Header

	value       any
	encoded     json.RawMessage
	raw         []byte
	isRaw       bool
	contentType string
}

// JSON returns a Result whose body is v encoded as JSON.
func JSON(v any) Result {
	return Result{value: v, contentType: contentTypeJSON}
}

// EncodedJSON returns a Result for a body that is already JSON.
func EncodedJSON(body json.RawMessage) Result {
	return Result{encoded: body, contentType: contentTypeJSON}
}

// Raw returns a Result carrying body as is.
func Raw(contentType string, body []byte) Result {
	return Result{raw: body, isRaw: true, contentType: contentType}
}

// Text returns a plain text Result.
func Text(body string) Result {
	return Raw(contentTypeText, []byte(body))
}

// WithStatus returns a copy of r with the given status.
func (r Result) WithStatus(status int) Result {
	r.Status = status
	return r
}

// WithHeader returns a copy of r with an extra response header.
func (r Result) WithHeader(name, value string) Result {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Add(name, value)
	r.Header = h
	return r
}

// body renders the payload.
func (r Result) body() ([]byte, error) {
	switch {
	case r.isRaw:
		return r.raw, nil
	case r.encoded != nil:
		return r.encoded, nil
	default:
		return json.Marshal(r.value)
	}
}

func (r Result) status() int {
	if r.Status == 0 {
		return http.StatusOK
	}
	return r.Status
}
