// Package pgdump runs pg_dump against a metadata source for the
// /v1alpha1/pg_dump endpoint.
package pgdump

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/metadata"
)

// DefaultBinary is looked up on PATH when no binary is configured.
const DefaultBinary = "pg_dump"

// Request is the body of a pg_dump call.
type Request struct {
	Opts        []string `json:"opts"`
	CleanOutput bool     `json:"clean_output"`
	SourceName  string   `json:"source_name,omitempty"`
}

// Dumper invokes the pg_dump binary.
type Dumper struct {
	binary string
}

// New creates a Dumper for binary, or DefaultBinary when empty.
func New(binary string) *Dumper {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Dumper{binary: binary}
}

// reservedOpts would redirect the dump away from stdout or to another
// database.
var reservedOpts = []string{"-f", "--file", "-d", "--dbname"}

// Dump runs pg_dump with req.Opts against src and returns the SQL text.
func (d *Dumper) Dump(ctx context.Context, src metadata.ResolvedSource, req Request) ([]byte, error) {
	for i, o := range req.Opts {
		for _, r := range reservedOpts {
			if o == r || strings.HasPrefix(o, r+"=") {
				return nil, apierr.BadRequest(apierr.CodeValidationFailed,
					fmt.Sprintf("option %q is not allowed", o)).WithPath(fmt.Sprintf("$.opts[%d]", i))
			}
		}
	}

	args := append(append([]string{}, req.Opts...), "--dbname="+src.URL)
	cmd := exec.CommandContext(ctx, d.binary, args...) //nolint:gosec // binary comes from configuration, opts are checked above
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, apierr.Handler(apierr.CodeBadRequest, http.StatusBadRequest, "pg_dump failed").
				Wrap(err).
				WithInternal(map[string]any{"exit_code": exitErr.ExitCode(), "stderr": strings.TrimSpace(stderr.String())})
		}
		return nil, apierr.Internal(fmt.Errorf("running %s: %w", d.binary, err))
	}

	if req.CleanOutput {
		return Clean(stdout.Bytes()), nil
	}
	return stdout.Bytes(), nil
}

// noise is the boilerplate pg_dump emits around the schema itself.
var noise = []string{
	"SET ",
	"SELECT pg_catalog.set_config('search_path'",
	"CREATE SCHEMA public;",
	"COMMENT ON SCHEMA public IS",
	"ALTER SCHEMA public OWNER TO",
	`\restrict`,
	`\unrestrict`,
}

// Clean strips comments, session settings and repeated blank lines.
func Clean(dump []byte) []byte {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(dump))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	blank := true
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "--") || hasAnyPrefix(line, noise) {
			continue
		}
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return bytes.TrimRight(out.Bytes(), "\n")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
