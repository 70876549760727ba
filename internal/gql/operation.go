package gql

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// Parse errors.
var (
	ErrSyntax             = errors.New("gql: syntax error")
	ErrNoOperation        = errors.New("gql: no operation found")
	ErrAmbiguousOperation = errors.New("gql: operationName is required when the document has several operations")
)

// OperationType is query, mutation or subscription.
type OperationType string

// Operation types.
const (
	Query        OperationType = "query"
	Mutation     OperationType = "mutation"
	Subscription OperationType = "subscription"
)

// Operation describes the operation a Request selects.
type Operation struct {
	Name string        `json:"name,omitempty"`
	Type OperationType `json:"type"`
}

// ParseDocument parses the query text of r.
func ParseDocument(r Request) (*ast.QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: r.Query})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSyntax, err.Error())
	}
	return doc, nil
}

// SelectOperation picks the operation r executes from its document.
func SelectOperation(r Request, doc *ast.QueryDocument) (*ast.OperationDefinition, error) {
	if len(doc.Operations) == 0 {
		return nil, ErrNoOperation
	}
	if r.OperationName == "" {
		if len(doc.Operations) > 1 {
			return nil, ErrAmbiguousOperation
		}
		return doc.Operations[0], nil
	}
	for _, op := range doc.Operations {
		if op.Name == r.OperationName {
			return op, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoOperation, r.OperationName)
}

// ParseOperation parses r and returns the selected operation's name and type.
func ParseOperation(r Request) (Operation, error) {
	doc, err := ParseDocument(r)
	if err != nil {
		return Operation{}, err
	}
	op, err := SelectOperation(r, doc)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Name: op.Name, Type: OperationType(op.Operation)}, nil
}

// Operations returns the operations of every request in b. Requests that do
// not parse are reported with an empty type; this is used for logging only.
func (b *BatchedRequest) Operations() []Operation {
	if b == nil {
		return nil
	}
	ops := make([]Operation, 0, len(b.Requests))
	for _, r := range b.Requests {
		op, err := ParseOperation(r)
		if err != nil {
			op = Operation{Name: r.OperationName}
		}
		ops = append(ops, op)
	}
	return ops
}

// Normalize renders query text in a canonical compact form, so that two
// queries differing only in whitespace or comments compare equal.
func Normalize(query string) (string, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrSyntax, err.Error())
	}
	var buf bytes.Buffer
	formatter.NewFormatter(&buf, formatter.WithCompacted()).FormatQueryDocument(doc)
	return buf.String(), nil
}
