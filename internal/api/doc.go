// Package api implements the HTTP and WebSocket front end of graygate.
//
// This package provides:
//   - the request pipeline every endpoint runs through: body read, request
//     id, trace span, authentication, admission, response assembly and one
//     http-log record per request
//   - the three handler shapes endpoints are built from (NoBody, BodyFirst,
//     ParseThenAuthenticate)
//   - the capability-gated route table: health, version, query, metadata,
//     GraphQL, explain, pg_dump, config, developer and REST endpoints
//   - GraphQL over WebSocket using the graphql-transport-ws protocol
//
// # Ordering
//
// NoBody and BodyFirst handlers authenticate before touching the body.
// ParseThenAuthenticate decodes the GraphQL request first so the
// authenticator can make content-aware decisions; a body that does not
// decode never reaches the authenticator with a query attached.
//
// # Schema cache
//
// Handlers read the schema cache snapshot taken at admission. Endpoints that
// change metadata, or run SQL that may change the schema, go through the
// metadata executor, which serialises writers on the cache cell.
//
// # Errors
//
// Every failure is an *apierr.Error rendered by the route's ErrorEncoder.
// GraphQL routes report protocol errors with status 200, keeping transport
// statuses for malformed bodies, admission rejections and internal faults.
package api
