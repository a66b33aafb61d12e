// Package session records live WebSocket connections in Redis so that any
// instance can tell whether a user is online. Each connection is a hash
// refreshed by the heartbeat; a per-user set indexes the user's connections.
package session
