// Package middlewared is the management daemon of a storage appliance: a
// method dispatcher with plugins, a job supervisor and an event bus, served
// to clients over WebSocket, a local UNIX socket and a REST shim.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Transports               │  websocket, unixsock,
//	│   (DDP-style frames, REST shim)     │  rest, client
//	└─────────────────────────────────────┘
//	           ↓ call / subscribe
//	┌─────────────────────────────────────┐
//	│      Dispatcher and Registry        │  roles, locks, throttles,
//	│   (methods, schemas, plugins)       │  deadlines, mocks
//	└─────────────────────────────────────┘
//	      ↓ jobs                ↓ events
//	┌────────────────┐   ┌────────────────┐
//	│ Job supervisor │   │   Event bus    │  sticky topics, per
//	│ (queue, logs)  │──→│ (policy, NATS) │  subscriber backpressure
//	└────────────────┘   └────────────────┘
//	           ↓ persist
//	┌─────────────────────────────────────┐
//	│  Datastore (badger) and etc files   │
//	└─────────────────────────────────────┘
//
// # Packages
//
//   - middleware: assembles the runtime, built-in plugins and hooks
//   - registry, schema: method descriptors, plugins and argument schemas
//   - dispatcher: executes calls with access checks and concurrency rules
//   - jobs: the job supervisor, progress, logs and snapshots
//   - eventbus: topics, subscriptions and the optional NATS bridge
//   - auth: users, API keys, tokens, sessions and roles
//   - gateway: the wire protocol shared by the websocket and unixsock transports
//   - gateway/rest: the HTTP shim and its OpenAPI document
//   - client: a Go client for both socket transports
//   - datastore: key-value persistence and migrations
//   - config: layered configuration with live reload
//
// # Running
//
//	middlewared -config /etc/middlewared/middlewared.yaml
//	middleware-call core.ping
//	middleware-call subscribe 'jobs'
package middlewared
