package sqlexec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/graygate/internal/apierr"
)

// Query types handled by this package.
const (
	TypeRunSQL = "run_sql"
	TypeBulk   = "bulk"
)

// DefaultSource is used when run_sql names no source.
const DefaultSource = "default"

// Result types.
const (
	ResultTuples  = "TuplesOk"
	ResultCommand = "CommandOk"
)

// Query is one query API request.
type Query struct {
	Type string          `json:"type"`
	Args json.RawMessage `json:"args"`
}

// RunSQL holds the arguments of a run_sql query.
type RunSQL struct {
	Source   string `json:"source,omitempty"`
	SQL      string `json:"sql"`
	Cascade  bool   `json:"cascade,omitempty"`
	ReadOnly bool   `json:"read_only,omitempty"`
	// CheckMetadataConsistency rebuilds the schema cache after a
	// schema-changing statement. Defaults to true.
	CheckMetadataConsistency *bool `json:"check_metadata_consistency,omitempty"`
}

// Rebuilds reports whether the statement may change what the schema cache
// builder sees.
func (r RunSQL) Rebuilds() bool {
	if r.ReadOnly {
		return false
	}
	return r.CheckMetadataConsistency == nil || *r.CheckMetadataConsistency
}

// Result is the outcome of one statement.
type Result struct {
	ResultType string  `json:"result_type"`
	Result     [][]any `json:"result"`
}

// Options controls value rendering.
type Options struct {
	// StringifyNumerics renders numeric columns as JSON strings.
	StringifyNumerics bool
}

// Known reports whether typ is a query type this package executes.
func Known(typ string) bool {
	return typ == TypeRunSQL || typ == TypeBulk
}

// Flatten decodes q into the run_sql statements it contains, in order.
func Flatten(q Query) ([]RunSQL, error) {
	switch q.Type {
	case TypeRunSQL:
		var r RunSQL
		if err := strictDecode(q.Args, &r); err != nil {
			return nil, err
		}
		if r.SQL == "" {
			return nil, apierr.BadRequest(apierr.CodeValidationFailed, "sql is required").WithPath("$.args.sql")
		}
		if r.Source == "" {
			r.Source = DefaultSource
		}
		return []RunSQL{r}, nil

	case TypeBulk:
		var sub []Query
		if err := strictDecode(q.Args, &sub); err != nil {
			return nil, err
		}
		out := make([]RunSQL, 0, len(sub))
		for i, s := range sub {
			if s.Type != TypeRunSQL {
				return nil, apierr.BadRequest(apierr.CodeNotSupported,
					fmt.Sprintf("bulk may only contain %s queries", TypeRunSQL)).
					WithPath(fmt.Sprintf("$.args[%d].type", i))
			}
			stmts, err := Flatten(s)
			if err != nil {
				e := apierr.From(err)
				return nil, e.WithPath(fmt.Sprintf("$.args[%d]%s", i, strings.TrimPrefix(e.Path, "$")))
			}
			out = append(out, stmts...)
		}
		return out, nil
	}
	return nil, apierr.BadRequest(apierr.CodeNotSupported, fmt.Sprintf("unknown query type %q", q.Type)).WithPath("$.type")
}

func strictDecode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Decode(apierr.CodeParseFailed, "invalid args: "+err.Error()).WithPath("$.args")
	}
	return nil
}
