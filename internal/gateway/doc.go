// Package gateway runs the support gateway's HTTP surface around the desk.
//
// # Overview
//
// Gateway owns every long-lived component: the SQLite store behind a
// retrying persister, the outbound delivery pool, the desk service with its
// connection broker, the liveness loops and the inbound dedupe cache.
// New wires them from config; Run restores open conversations, serves HTTP
// and shuts everything down when its context ends.
//
// # Routes
//
// Public:
//
//	GET  /health                  liveness probe
//	GET  /health/ready            readiness with store and outbound checks
//	GET  /metrics                 Prometheus scrape (metrics.path)
//	POST /webhooks/inbound        customer messages from the channel worker
//
// Authenticated (bearer JWT, or user_id/role query parameters in dev mode):
//
//	GET  /ws/conversations/{id}   join a conversation room
//	GET  /api/conversations       list, filtered by status and agent_id
//	POST /api/conversations       open (or find) a customer's conversation
//	GET  /api/conversations/{id}
//	GET  /api/conversations/{id}/messages?after=N
//	POST /api/conversations/{id}/messages
//	POST /api/conversations/{id}/read
//	POST /api/conversations/{id}/assign|takeover|release|escalate|bot-attempts|close
//	PUT  /api/conversations/{id}/priority
//	GET  /api/queue               waiting conversations in hand-out order
//	POST /api/queue/next          assign the most urgent waiting conversation
//	GET  /api/stats
//
// # WebSocket Frames
//
// The server sends broker events as JSON. Clients send:
//
//	{"type":"typing","is_typing":true}
//	{"type":"read","through_seq":12}
//	{"type":"message","content":{"type":"text","text":"hi"}}
//	{"type":"ping"}
//
// A rejected frame is answered with an "error" event to the sender only.
// Any frame counts as activity for the idle reaper.
//
// # Shutdown
//
// Shutdown tells connected clients first, then stops the listener, the
// liveness loops, the persistence retry worker and the delivery workers,
// and closes the store last.
package gateway
