package gql

import (
	"fmt"
	"strconv"
)

// VariableKinds returns the base type name of every variable the selected
// operation declares, such as {"id": "Int", "tags": "String"}.
func VariableKinds(r Request) (map[string]string, error) {
	doc, err := ParseDocument(r)
	if err != nil {
		return nil, err
	}
	op, err := SelectOperation(r, doc)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]string, len(op.VariableDefinitions))
	for _, v := range op.VariableDefinitions {
		kinds[v.Variable] = v.Type.Name()
	}
	return kinds, nil
}

// CoerceString converts text taken from a URL into the JSON value a
// variable of the given kind expects. Custom scalars and enums stay strings.
func CoerceString(kind, s string) (any, error) {
	switch kind {
	case "Int":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected Int, got %q", s)
		}
		return n, nil
	case "Float":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("expected Float, got %q", s)
		}
		return f, nil
	case "Boolean":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("expected Boolean, got %q", s)
		}
		return b, nil
	default:
		return s, nil
	}
}
