// Package gateway holds what the middlewared transports share: the frame
// model, the wire error shape and Conn, the session-bound handler of one
// framed connection.
//
// # Transports
//
//   - websocket: frames as WebSocket text messages (gateway/websocket)
//   - unixsock: frames with a 4-byte big-endian length prefix, sessions
//     authenticated from peer credentials (gateway/unixsock)
//   - rest: one call per HTTP request, for methods marked REST
//     (gateway/rest)
//
// # Frames
//
// A connection starts with a connect frame:
//
//	→ {"msg": "connect", "version": "1", "support": ["1"]}
//	← {"msg": "connected", "session": "5d0c…"}
//
// Calls carry a client chosen id that is echoed in exactly one response:
//
//	→ {"msg": "method", "id": 7, "method": "pool.query", "params": []}
//	← {"msg": "result", "id": 7, "result": [...]}
//	← {"msg": "error", "id": 7, "error": {"errno": 13, "error": "EACCES", "reason": "..."}}
//
// Subscriptions name a topic or a pattern ending in ".*":
//
//	→ {"msg": "sub", "id": "s1", "name": "core.get_jobs"}
//	← {"msg": "event", "name": "core.get_jobs", "collection": "core.get_jobs",
//	   "msg_type": "CHANGED", "id": 12, "fields": {...}, "sequence": 40}
//	→ {"msg": "unsub", "id": "s1"}
//	← {"msg": "nosub", "id": "s1"}
//
// Transports register their HTTP endpoints through HTTPHandler so one
// server carries the WebSocket endpoint, the REST shim and /metrics.
package gateway
