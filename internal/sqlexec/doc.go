// Package sqlexec runs the query API's SQL commands (run_sql and bulk)
// against the Postgres sources declared in metadata.
//
// Each source gets a lazily created pgx connection pool. Statements run in
// their own transaction, read-only ones with a READ ONLY access mode, and
// results come back in the tabular shape clients of /v1/query expect:
//
//	{"result_type": "TuplesOk", "result": [["id","name"], ["1","ada"]]}
package sqlexec
