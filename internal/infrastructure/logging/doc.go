// Package logging is the gateway's log/slog setup.
//
// Records are JSON by default (text when logging.format is "text") and
// always carry service and version. Request handling logs through
// ForType(TypeHTTP) and ForType(TypeWebSocket) so that one record per
// request can be picked out of the lifecycle noise:
//
//	log := logging.New(cfg.Logging, version)
//	log.ForType(logging.TypeHTTP).Info("request", "request_id", id, "status", 200)
//
// Attributes keyed authorization, cookie, x-hasura-admin-secret, password,
// token and similar are replaced with Redacted before they are written.
package logging
