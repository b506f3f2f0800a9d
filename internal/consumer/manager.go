// Package consumer owns the broker session: it connects, registers one consumer
// per queue on a single channel, hands every delivery to the router on one
// event loop and tears the session down in drain-then-close order.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tinywideclouds/go-bunny-service/internal/metrics"
)

// State is a step of the session lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateChannelOpen
	StateConsuming
	StateCancelling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateChannelOpen:
		return "CHANNEL_OPEN"
	case StateConsuming:
		return "CONSUMING"
	case StateCancelling:
		return "CANCELLING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler receives each delivery body. It must return before the delivery is acked.
type Handler interface {
	Route(ctx context.Context, queue string, body []byte)
}

// Config names the broker and the two queues.
type Config struct {
	URL         string
	PushQueue   string
	SocialQueue string
	// Prefetch is applied with basic.qos when positive.
	Prefetch int
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces DialAMQP.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithBackOff sets the reconnect policy. A policy that returns backoff.Stop
// makes Run give up.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = newBackOff }
}

// WithMetrics counts reconnects.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// OnStateChange registers fn to be called from the event loop on every transition.
func OnStateChange(fn func(State)) Option {
	return func(m *Manager) { m.onStateChange = fn }
}

// Manager runs the single consumer session of the process.
type Manager struct {
	cfg           Config
	handler       Handler
	dial          Dialer
	newBackOff    func() backoff.BackOff
	metrics       *metrics.Metrics
	onStateChange func(State)
	logger        *slog.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(cfg Config, handler Handler, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		handler:    handler,
		dial:       DialAMQP,
		newBackOff: defaultBackOff,
		logger:     logger.With("component", "ConsumerManager"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// State returns the current lifecycle state. Safe from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.logger.Debug("Consumer state changed", "state", s)
	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}

// session is one connection, its channel and the two consumer registrations.
type session struct {
	conn       Connection
	ch         Channel
	chClosed   chan *amqp.Error
	connClosed chan *amqp.Error
	pushTag    string
	socialTag  string
	push       <-chan amqp.Delivery
	social     <-chan amqp.Delivery
}

// Run connects and consumes until Stop is called or ctx is done, reconnecting
// after session loss. It returns an error only when the backoff policy gives up.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	b := m.newBackOff()
	for {
		sess, err := m.connect()
		if err != nil {
			m.setState(StateDisconnected)
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				m.setState(StateClosed)
				return fmt.Errorf("giving up on broker connection: %w", err)
			}
			m.logger.Warn("Broker connection failed; retrying", "err", err, "retry_in", wait)

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				continue
			case <-m.stopCh:
			case <-ctx.Done():
			}
			timer.Stop()
			m.setState(StateClosed)
			return nil
		}
		b.Reset()

		if stopped := m.consume(ctx, sess); stopped {
			return nil
		}
		m.metrics.Reconnect()
		m.setState(StateDisconnected)
	}
}

// Stop asks the event loop to cancel both consumers and close the channel,
// then waits for Run to return.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer did not stop: %w", ctx.Err())
	}
}

func (m *Manager) connect() (*session, error) {
	m.setState(StateConnecting)

	conn, err := m.dial(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	sess := &session{
		conn:       conn,
		ch:         ch,
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}
	m.setState(StateChannelOpen)

	if m.cfg.Prefetch > 0 {
		if err := ch.Qos(m.cfg.Prefetch, 0, false); err != nil {
			m.closeSession(sess)
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	sess.pushTag = consumerTag(m.cfg.PushQueue)
	if sess.push, err = ch.Consume(m.cfg.PushQueue, sess.pushTag, false, false, false, false, nil); err != nil {
		m.closeSession(sess)
		return nil, fmt.Errorf("failed to consume %q: %w", m.cfg.PushQueue, err)
	}
	sess.socialTag = consumerTag(m.cfg.SocialQueue)
	if sess.social, err = ch.Consume(m.cfg.SocialQueue, sess.socialTag, false, false, false, false, nil); err != nil {
		m.closeSession(sess)
		return nil, fmt.Errorf("failed to consume %q: %w", m.cfg.SocialQueue, err)
	}

	m.setState(StateConsuming)
	m.logger.Info("Consuming", "push_queue", m.cfg.PushQueue, "social_queue", m.cfg.SocialQueue)
	return sess, nil
}

func consumerTag(queue string) string {
	return fmt.Sprintf("bunny-%s-%s", queue, uuid.NewString())
}

// consume is the event loop. It reports true when the session ended because
// a stop was requested, false when the session was lost.
func (m *Manager) consume(ctx context.Context, sess *session) bool {
	for {
		select {
		case d, ok := <-sess.push:
			if !ok {
				m.consumerGone(sess, m.cfg.PushQueue)
				return false
			}
			m.handle(ctx, sess, m.cfg.PushQueue, d)
		case d, ok := <-sess.social:
			if !ok {
				m.consumerGone(sess, m.cfg.SocialQueue)
				return false
			}
			m.handle(ctx, sess, m.cfg.SocialQueue, d)
		case err := <-sess.chClosed:
			m.logger.Error("Channel closed by broker", "err", closeReason(err))
			m.closeSession(sess)
			return false
		case err := <-sess.connClosed:
			m.logger.Error("Connection lost", "err", closeReason(err))
			m.closeSession(sess)
			return false
		case <-m.stopCh:
			m.cancel(sess)
			return true
		case <-ctx.Done():
			m.cancel(sess)
			return true
		}
	}
}

// consumerGone drops a session that lost one of its registrations, e.g. after
// the broker deleted the queue. Both queues are re-registered on reconnect.
func (m *Manager) consumerGone(sess *session, queue string) {
	m.logger.Error("Broker cancelled consumer; reconnecting", "queue", queue)
	m.closeSession(sess)
}

// handle routes synchronously, then acks. A panic in the handler is not recovered.
func (m *Manager) handle(ctx context.Context, sess *session, queue string, d amqp.Delivery) {
	m.handler.Route(ctx, queue, d.Body)
	if err := sess.ch.Ack(d.DeliveryTag, false); err != nil {
		m.logger.Error("Failed to ack delivery", "queue", queue, "delivery_tag", d.DeliveryTag, "err", err)
	}
}

// cancel waits for each basic.cancel-ok in turn and closes the channel only
// once no registration is outstanding.
func (m *Manager) cancel(sess *session) {
	m.setState(StateCancelling)

	if err := sess.ch.Cancel(sess.pushTag, false); err != nil {
		m.logger.Warn("Failed to cancel consumer", "queue", m.cfg.PushQueue, "err", err)
	}
	if err := sess.ch.Cancel(sess.socialTag, false); err != nil {
		m.logger.Warn("Failed to cancel consumer", "queue", m.cfg.SocialQueue, "err", err)
	}
	m.closeSession(sess)

	m.setState(StateClosed)
	m.logger.Info("Consumer closed")
}

func (m *Manager) closeSession(sess *session) {
	if err := sess.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		m.logger.Debug("Channel close failed", "err", err)
	}
	if err := sess.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		m.logger.Debug("Connection close failed", "err", err)
	}
}

func closeReason(err *amqp.Error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
