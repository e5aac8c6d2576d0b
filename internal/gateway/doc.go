// Package gateway runs the fleet HTTP server.
//
// # Overview
//
// The Gateway owns the database layer and every feature layer built on it:
// the realm registry, user authentication and connection tracking. It wires
// them to an HTTP API and shuts them down in order.
//
// # HTTP API
//
//	GET    /health                                        liveness
//	GET    /health/ready                                  default realm reachable
//	POST   /api/login                                     {realm, username, password} -> {token}
//	POST   /api/logout                                    revoke the caller's session
//	GET    /api/realms                                    realms visible to the caller
//	POST   /api/realms                                    create a realm (default realm admins)
//	GET    /api/realms/{realm}/users                      list users (realm admins)
//	POST   /api/realms/{realm}/users                      create a user (realm admins)
//	GET    /api/realms/{realm}/connections                connection snapshot
//	POST   /api/realms/{realm}/connections                record a connection
//	GET    /api/realms/{realm}/connections/events         SSE stream of connection changes
//	POST   /api/realms/{realm}/connections/{id}/heartbeat record a heartbeat
//	DELETE /api/realms/{realm}/connections/{id}           forget a connection
//	GET    /api/realms/{realm}/connections/{id}/history   stored revisions
//
// Every /api route except login requires a bearer token. Errors are JSON
// objects with a single "error" field.
//
// # Event Stream
//
// The events endpoint first sends a "snapshot" event holding every
// connection, then one "added", "updated" or "removed" event per committed
// change. The snapshot carries the sequence it reflects and every later
// event has a greater sequence. A row written just before the stream opened
// may still arrive as "added" after appearing in the snapshot, so clients
// apply events by id. A client that falls too far behind receives "overflow" and the
// stream ends; it should reconnect for a fresh snapshot.
package gateway
