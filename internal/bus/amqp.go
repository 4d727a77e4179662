package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange events are published on.
const DefaultExchange = "animeboard.events"

// amqpChannel is the subset of *amqp.Channel the bus uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RoutingKey maps a topic to an AMQP routing key. Topic separators
// become dots so that "comments.*" binds every post's comments.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// AMQP publishes and subscribes through a RabbitMQ topic exchange. Each
// stream owns an exclusive auto-delete queue on its own channel; events
// are JSON bodies.
//
// Thread-safety: all methods are safe for concurrent use.
type AMQP struct {
	exchange string
	open     func() (amqpChannel, error)
	closer   func() error

	mu      sync.Mutex
	pub     amqpChannel
	streams map[*amqpStream]struct{}
	closed  bool
}

// DialAMQP connects to url and declares exchange (DefaultExchange when
// empty).
func DialAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	open := func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	b, err := newAMQP(exchange, open, conn.Close)
	if err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("amqp bus connected", "exchange", b.exchange)
	return b, nil
}

func newAMQP(exchange string, open func() (amqpChannel, error), closer func() error) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	pub, err := open()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := pub.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		pub.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQP{
		exchange: exchange,
		open:     open,
		closer:   closer,
		pub:      pub,
		streams:  make(map[*amqpStream]struct{}),
	}, nil
}

// Publish sends ev to the exchange under its topic's routing key.
func (b *AMQP) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	err = b.pub.PublishWithContext(ctx, b.exchange, RoutingKey(ev.Topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.CommitTime,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Topic, err)
	}
	return nil
}

// Subscribe binds a fresh queue to topic's routing key.
func (b *AMQP) Subscribe(ctx context.Context, topic string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ch, err := b.open()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue for %s: %w", topic, err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(topic), b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind %s: %w", topic, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}

	s := &amqpStream{
		bus:   b,
		topic: topic,
		ch:    ch,
		out:   make(chan Event, DefaultBuffer),
		stop:  make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch.Close()
		return nil, ErrClosed
	}
	b.streams[s] = struct{}{}
	b.mu.Unlock()

	go s.pump(deliveries)
	return s, nil
}

// Close ends every stream and the connection.
func (b *AMQP) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := make([]*amqpStream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range streams {
		s.end(ErrClosed)
	}
	b.pub.Close()
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

type amqpStream struct {
	bus   *AMQP
	topic string
	ch    amqpChannel
	out   chan Event
	stop  chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// pump decodes deliveries until the channel closes or the stream ends.
func (s *amqpStream) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case d, ok := <-deliveries:
			if !ok {
				s.end(ErrDropped)
				return
			}
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				slog.Warn("discarding malformed amqp delivery", "topic", s.topic, "error", err)
				continue
			}
			select {
			case s.out <- ev:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *amqpStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.stop)
		s.ch.Close()

		s.bus.mu.Lock()
		delete(s.bus.streams, s)
		s.bus.mu.Unlock()
	})
}

func (s *amqpStream) Events() <-chan Event { return s.out }

func (s *amqpStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *amqpStream) Close() error {
	s.end(nil)
	return nil
}
