// Package gql holds the GraphQL-over-HTTP request types and the light
// parsing the gateway needs for observability, authorization and
// allowlisting. Execution happens elsewhere.
package gql

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Decoding errors.
var (
	ErrEmptyBody    = errors.New("gql: empty request body")
	ErrEmptyBatch   = errors.New("gql: empty batch")
	ErrMissingQuery = errors.New("gql: the key 'query' was not present")
	ErrNotObject    = errors.New("gql: expected an object or an array of objects")
)

// Request is one GraphQL operation as posted by a client.
type Request struct {
	OperationName string          `json:"operationName,omitempty"`
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	Extensions    json.RawMessage `json:"extensions,omitempty"`
}

// UnmarshalJSON requires the query key to be present.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw struct {
		OperationName *string         `json:"operationName"`
		Query         *string         `json:"query"`
		Variables     json.RawMessage `json:"variables"`
		Extensions    json.RawMessage `json:"extensions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Query == nil {
		return ErrMissingQuery
	}
	*r = Request{Query: *raw.Query, Variables: raw.Variables, Extensions: raw.Extensions}
	if raw.OperationName != nil {
		r.OperationName = *raw.OperationName
	}
	return nil
}

// BatchedRequest is either a single Request or a JSON array of them.
type BatchedRequest struct {
	Requests []Request
	// Batch records whether the client sent an array, which decides the
	// shape of the response.
	Batch bool
}

// Single wraps one request.
func Single(r Request) *BatchedRequest {
	return &BatchedRequest{Requests: []Request{r}}
}

// UnmarshalJSON accepts an object or a non-empty array of objects.
func (b *BatchedRequest) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ErrEmptyBody
	}
	switch trimmed[0] {
	case '{':
		var r Request
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return err
		}
		*b = BatchedRequest{Requests: []Request{r}}
	case '[':
		var rs []Request
		if err := json.Unmarshal(trimmed, &rs); err != nil {
			return err
		}
		if len(rs) == 0 {
			return ErrEmptyBatch
		}
		*b = BatchedRequest{Requests: rs, Batch: true}
	default:
		return ErrNotObject
	}
	return nil
}

// MarshalJSON encodes the request in the shape it was received.
func (b BatchedRequest) MarshalJSON() ([]byte, error) {
	if b.Batch {
		return json.Marshal(b.Requests)
	}
	if len(b.Requests) != 1 {
		return nil, fmt.Errorf("gql: non-batched request holds %d operations", len(b.Requests))
	}
	return json.Marshal(b.Requests[0])
}
