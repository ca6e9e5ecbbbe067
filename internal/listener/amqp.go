package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	sourceAMQP = "amqp"

	// prefetch bounds the unacknowledged deliveries held by the consumer.
	prefetch = 16
)

// AMQPListener consumes mail store events from a durable queue. Events
// that fail to decode, or whose handler panics, are dropped. Events whose
// handler returns an error are requeued.
type AMQPListener struct {
	url        string
	queue      string
	dispatcher *Dispatcher
	log        *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPListener returns a listener for queue on the broker at url.
func NewAMQPListener(url, queue string, dispatcher *Dispatcher, log *zap.Logger) *AMQPListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPListener{
		url:        url,
		queue:      queue,
		dispatcher: dispatcher,
		log:        log.With(zap.String("queue", queue)),
	}
}

func (l *AMQPListener) connect() (<-chan amqp.Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, err := amqp.Dial(l.url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting qos: %w", err)
	}

	if _, err := ch.QueueDeclare(l.queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", l.queue, err)
	}

	msgs, err := ch.Consume(l.queue, "mailindex", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consuming %s: %w", l.queue, err)
	}

	l.conn, l.ch = conn, ch
	return msgs, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (l *AMQPListener) Run(ctx context.Context) error {
	msgs, err := l.connect()
	if err != nil {
		return err
	}
	defer l.Close()

	l.log.Info("listening for mail store events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed by broker")
			}
			l.handle(ctx, d)
		}
	}
}

// handle settles exactly one acknowledgement for d.
func (l *AMQPListener) handle(ctx context.Context, d amqp.Delivery) {
	log := l.log.With(zap.Uint64("delivery_tag", d.DeliveryTag))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling event", zap.Any("panic", r))
			if err := d.Nack(false, false); err != nil {
				log.Error("failed to nack", zap.Error(err))
			}
		}
	}()

	ev, err := Decode(d.Body)
	if err != nil {
		log.Warn("dropping undecodable event", zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			log.Error("failed to nack", zap.Error(err))
		}
		return
	}

	if err := l.dispatcher.Dispatch(ctx, sourceAMQP, ev); err != nil {
		requeue := !errors.Is(err, ErrInvalidEvent)
		log.Error("failed to apply event",
			zap.String("type", ev.Type),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		if err := d.Nack(false, requeue); err != nil {
			log.Error("failed to nack", zap.Error(err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error("failed to ack", zap.Error(err))
	}
}

// Close shuts the channel and connection down.
func (l *AMQPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.ch != nil {
		errs = append(errs, l.ch.Close())
		l.ch = nil
	}
	if l.conn != nil {
		errs = append(errs, l.conn.Close())
		l.conn = nil
	}
	return errors.Join(errs...)
}
