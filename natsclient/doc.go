// Connection lifecycle
//
// A Client starts disconnected. Connect dials with the configured timeout;
// five consecutive failures open the circuit, after which Connect fails fast
// with ErrCircuitOpen until the backoff elapses. The backoff doubles on each
// further round of failures, capped by WithMaxBackoff.
//
// Once connected, reconnects are handled by the NATS library and reported
// through WithHealthChangeCallback and the nats_connected gauge.
//
//	client, err := natsclient.NewClient(url,
//		natsclient.WithName("middlewared"),
//		natsclient.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
// Only core publish and subscribe are used; the bus does not depend on
// JetStream.
package natsclient
