// Package bus manages the single RabbitMQ connection/channel the core
// publishes through. Everything above this package only sees the narrow
// Publish(exchange, routingKey, body) surface; dialing, topology
// declaration and reconnects all live here.
package bus

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pkg/errors"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
)

// Exchange names declared by the core.
const (
	ExchangePoolPrices            = "pool-prices"
	ExchangePositionLiquidity     = "position-liquidity-events"
	ExchangeCloseOrderEvents      = "close-order-events"
	ExchangeNFPMTransferEvents    = "nfpm-transfer-events"
	ExchangeDomainEvents          = "domain-events"
	maxConnectAttempts            = 10
	connectBackoffUnit            = 2 * time.Second
	contentTypeJSON               = "application/json"
	deliveryModePersistent uint8  = 2
)

var declaredExchanges = []string{
	ExchangePoolPrices,
	ExchangePositionLiquidity,
	ExchangeCloseOrderEvents,
	ExchangeNFPMTransferEvents,
	ExchangeDomainEvents,
}

// Publisher is the narrow collaborator interface the rest of the core
// depends on.
type Publisher interface {
	Publish(exchange, routingKey string, body []byte) error
}

// Config carries the RABBITMQ_* connection parameters.
type Config struct {
	Host, User, Pass, VHost string
	Port                    int
}

func (c Config) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Pass), c.Host, c.Port, url.QueryEscape(c.VHost))
}

// Manager owns exactly one connection and one channel, auto-reconnecting
// and re-declaring topology.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

var _ Publisher = (*Manager)(nil)

// NewManager builds an unconnected Manager; call Connect before Publish.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Connect dials, authenticates, opens a channel, and declares topology,
// retrying with linear backoff (attempt * 2s) up to 10 attempts.
func (m *Manager) Connect() error {
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		conn, err := amqp.Dial(m.cfg.dsn())
		if err != nil {
			lastErr = err
			logger.Warnw("bus: connect attempt failed", "attempt", attempt, "err", err)
			time.Sleep(time.Duration(attempt) * connectBackoffUnit)
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			lastErr = err
			logger.Warnw("bus: channel open failed", "attempt", attempt, "err", err)
			time.Sleep(time.Duration(attempt) * connectBackoffUnit)
			continue
		}

		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			lastErr = err
			logger.Warnw("bus: topology declare failed", "attempt", attempt, "err", err)
			time.Sleep(time.Duration(attempt) * connectBackoffUnit)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.channel = ch
		m.mu.Unlock()

		m.watchClose(conn, ch)

		logger.Infow("bus: connected", "host", m.cfg.Host, "vhost", m.cfg.VHost)
		return nil
	}
	return errors.Wrap(lastErr, "bus: exhausted connect attempts")
}

func declareTopology(ch *amqp.Channel) error {
	for _, name := range declaredExchanges {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "bus: declare exchange %q", name)
		}
	}
	return nil
}

// watchClose schedules a single delayed reconnect when the channel or
// connection errors out.
func (m *Manager) watchClose(conn *amqp.Connection, ch *amqp.Channel) {
	closeErrs := make(chan *amqp.Error, 1)
	ch.NotifyClose(closeErrs)

	go func() {
		err, ok := <-closeErrs
		if !ok {
			return
		}
		logger.Warnw("bus: channel closed, reconnecting", "err", err)

		m.mu.Lock()
		if m.channel == ch {
			m.channel = nil
		}
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()

		time.Sleep(connectBackoffUnit)
		if reconnectErr := m.Connect(); reconnectErr != nil {
			logger.Errorw("bus: reconnect failed, giving up", "err", reconnectErr)
		}
	}()
}

// Publish sends body to exchange with routingKey, using persistent delivery
// mode and application/json content type.
func (m *Manager) Publish(exchange, routingKey string, body []byte) error {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()

	if ch == nil {
		return errors.New("bus: not connected")
	}

	return ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: deliveryModePersistent,
		Body:         body,
	})
}

// Subscribe declares a durable queue bound to exchange under the given
// binding keys and feeds every delivery to handler on a dedicated
// goroutine. Handler panics and errors stay inside the delivery loop.
func (m *Manager) Subscribe(exchange, queue string, bindingKeys []string, handler func(routingKey string, body []byte)) error {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()

	if ch == nil {
		return errors.New("bus: not connected")
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "bus: declare queue %q", queue)
	}
	for _, key := range bindingKeys {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return errors.Wrapf(err, "bus: bind %q to %q with %q", queue, exchange, key)
		}
	}

	deliveries, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "bus: consume %q", queue)
	}

	go func() {
		for d := range deliveries {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Errorw("bus: delivery handler panicked", "routingKey", d.RoutingKey, "panic", r)
					}
				}()
				handler(d.RoutingKey, d.Body)
			}()
		}
	}()
	return nil
}

// Close shuts the channel and connection down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.channel != nil {
		err = m.channel.Close()
		m.channel = nil
	}
	if m.conn != nil {
		if cerr := m.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.conn = nil
	}
	return err
}
