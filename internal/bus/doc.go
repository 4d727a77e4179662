// Package bus carries row-change events from the backing store to
// subscribed clients.
//
// An Event is the envelope the push channel delivers: the topic it was
// published on, the table and operation, and the new/old row as raw JSON.
// Delivery is at-least-once and ordered per topic; consumers must be
// idempotent reducers (see package reconcile).
//
// Topics:
//
//	comments:{postID}   comment inserts/deletes for one post
//	notifications       global append-only notifications
//	posts               post inserts/updates/deletes
//
// Implementations:
//   - Memory: in-process fan-out with bounded per-subscriber buffers
//   - Hub / Client: websocket relay (gorilla/websocket)
//   - AMQP: RabbitMQ topic exchange (rabbitmq/amqp091-go)
package bus
