package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// DefaultExchange is the topic exchange events are published to. The routing
// key is the event type.
const DefaultExchange = "identity.events"

const publishTimeout = 5 * time.Second

// ErrDisconnected is returned by Publish while the broker connection is down.
// A reconnect is already running in the background when it is returned.
var ErrDisconnected = errors.New("amqp publisher disconnected")

// AMQPPublisher publishes events to a RabbitMQ topic exchange. Publish never
// dials: a dropped connection is re-established by a single background
// goroutine and events published meanwhile are dropped.
type AMQPPublisher struct {
	url      string
	exchange string
	maxDial  time.Duration
	dial     func(url string) (*amqp.Connection, error)

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
	closed       bool
}

func newAMQPPublisher(url, exchange string, maxElapsed time.Duration) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{url: url, exchange: exchange, maxDial: maxElapsed, dial: amqp.Dial}
}

// DialAMQP connects to the broker, retrying with exponential backoff until
// maxElapsed, and declares the exchange.
func DialAMQP(ctx context.Context, url, exchange string, maxElapsed time.Duration) (*AMQPPublisher, error) {
	p := newAMQPPublisher(url, exchange, maxElapsed)
	conn, ch, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return p, nil
}

func (p *AMQPPublisher) log(method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"package": "events", "method": method, "exchange": p.exchange})
}

// connect dials and declares the exchange. It must not be called with mu held.
func (p *AMQPPublisher) connect(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	log := p.log("connect")

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return p.dial(p.url)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(p.maxDial),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("amqp dial failed")
		}),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial amqp")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "declare exchange")
	}

	log.Info("connected to amqp broker")
	return conn, ch, nil
}

// reconnectLocked starts the background reconnect unless one is running.
func (p *AMQPPublisher) reconnectLocked() {
	if p.reconnecting || p.closed {
		return
	}
	p.reconnecting = true
	go p.reconnect()
}

func (p *AMQPPublisher) reconnect() {
	conn, ch, err := p.connect(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnecting = false
	if err != nil {
		p.log("reconnect").WithError(err).Error("amqp reconnect gave up")
		return
	}
	if p.closed {
		_ = ch.Close()
		_ = conn.Close()
		return
	}
	p.conn, p.ch = conn, ch
}

// Publish sends e with the event type as routing key. It returns
// ErrDisconnected without blocking when the broker is unreachable. The
// request context bounds nothing but the publish itself, which is capped at
// publishTimeout and survives the caller's cancellation.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	p.mu.Lock()
	ch := p.ch
	if p.conn == nil || p.conn.IsClosed() || ch == nil || ch.IsClosed() {
		p.reconnectLocked()
		p.mu.Unlock()
		return ErrDisconnected
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	return ch.PublishWithContext(ctx, p.exchange, e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.Time,
		Type:         e.Type,
		Body:         body,
	})
}

// Close closes the channel and connection and stops further reconnects.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
