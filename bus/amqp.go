package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// redialInterval is the minimum gap between reconnect attempts.
const redialInterval = 5 * time.Second

var errBusClosed = errors.New("publisher closed")

// AMQPPublisher publishes to a durable topic exchange; topics are routing keys.
// A dropped connection is redialed lazily by the next Publish.
type AMQPPublisher struct {
	url      string
	exchange string
	log      *logrus.Entry
	dial     func(url string) (*amqp.Connection, error)
	now      func() time.Time

	mu       sync.Mutex
	conn     *amqp.Connection
	lastDial time.Time
	closed   bool
}

func NewAMQP(url, exchange string, log *logrus.Entry) (*AMQPPublisher, error) {
	p := &AMQPPublisher{
		url:      url,
		exchange: exchange,
		log:      log,
		dial:     amqp.Dial,
		now:      time.Now,
	}
	if _, err := p.connection(); err != nil {
		return nil, err
	}
	return p, nil
}

// connection returns a live connection, redialing when the last one closed.
func (p *AMQPPublisher) connection() (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errBusClosed
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}
	if !p.lastDial.IsZero() && p.now().Sub(p.lastDial) < redialInterval {
		return nil, errors.New("amqp connection down, waiting to redial")
	}
	p.lastDial = p.now()

	conn, err := p.dial(p.url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	if err := p.declare(conn); err != nil {
		conn.Close()
		return nil, err
	}
	p.watch(conn)
	p.conn = conn
	return conn, nil
}

func (p *AMQPPublisher) declare(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()
	return errors.Wrapf(ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil), "declare exchange %s", p.exchange)
}

func (p *AMQPPublisher) watch(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			p.log.WithError(err).Warn("amqp connection lost")
		}
	}()
}

func (p *AMQPPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	conn, err := p.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	// realtime hints are not worth persisting across broker restarts
	err = ch.PublishWithContext(ctx, p.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		AppId:        env.Meta.Producer,
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	p.log.WithFields(logrus.Fields{"topic": topic, "type": env.Meta.Type}).Debug("published")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}
