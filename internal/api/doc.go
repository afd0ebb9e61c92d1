// Package api implements the HTTP management API and WebSocket server for
// Grow Logic Core.
//
// This package provides:
//   - REST endpoints for schedules, eligibility traces and overrides,
//     irrigation requests, and pump calibration
//   - WebSocket hub for notifications, request transitions, and action callbacks
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support for production deployments
//
// # Errors
//
// Handlers map the errkind of a domain error to a status code:
// validation 400, not found 404, conflict and invalid state 409,
// driver and transport 502, timeout 504. Anything else is a 500.
//
// # Security
//
// Every route except health, login, and metrics needs a bearer token.
// Write routes additionally check the role's permissions. WebSocket
// connections use single-use tickets to keep tokens out of URLs.
package api
