// Package messaging provides the dispatch core of a pipeforce service.
//
// This package implements:
//   - Pattern / Matches: topic-style routing key matching ("*" one segment, "#" one or more)
//   - Registry: ordered pattern-to-handler bindings
//   - Dispatcher: settles every delivery and routes it to all matching handlers
//   - Correlator: blocking request/response calls over publish/subscribe
//   - Transport, Delivery, Consumption: the broker client boundary
//
// Routing rules:
//   - every matching handler runs once, in registration order
//   - a routed delivery is acknowledged once, before its handlers run
//   - a delivery without a matching pattern is logged and left unsettled
//   - handler errors and panics are logged and never stop the consumer
//
// While a synchronous call is outstanding, only the delivery carrying its
// correlation ID is accepted. Everything else is rejected back to the queue
// and will be redelivered once the call is over.
//
// Example usage:
//
//	registry := messaging.NewRegistry()
//	err := registry.RegisterFunc("pipeforce.webhook.foo.*", func(ctx context.Context, body []byte) error {
//		return nil
//	})
//
//	dispatcher := messaging.NewDispatcher(registry,
//		messaging.WithPublisher(transport, "pipeforce.topic.default"))
//	correlator := messaging.NewCorrelator(dispatcher, "pipeforce.service.hello")
//
//	consumption, err := transport.Consume(ctx, "pipeforce.service.hello",
//		func(ctx context.Context, d messaging.Delivery) error {
//			_, err := dispatcher.OnMessage(ctx, d)
//			return err
//		})
//	correlator.SetEventPump(consumption)
//
//	reply, err := correlator.Call(ctx, "command.http.post", []byte("post message"))
package messaging
