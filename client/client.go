// Package client implements the Client half of the transport: it declares
// the shared work queue and a private transient reply queue, then runs a
// background event loop that multiplexes local request submissions
// against broker reply deliveries, correlating each reply to its waiting
// caller by request id. The in-flight table is confined to that single
// goroutine; nothing else touches it, so it needs no lock.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"

	"github.com/postageapp/skein/rpc"
)

// ErrTimeout is returned by Request when no reply arrives within the
// configured timeout. The remote handler is not cancelled; a late reply
// is discarded when it eventually arrives.
var ErrTimeout = errors.New("client: request timed out")

// ErrClientClosed is returned to pending callers when the event loop
// shuts down, and to any caller who submits after Close.
var ErrClientClosed = errors.New("client: closed")

const maxReconnectAttempts = 5

// Report summarizes a Client's lifetime after its event loop has exited:
// how many times it (re)connected, how many publisher confirmations it
// observed, how many reconnect attempts failed and were retried, and how
// many calls were still pending at close. Publishes themselves are never
// retried.
type Report struct {
	Connections   int
	Confirmations int
	Retried       int
	Pending       int
}

// Options configures a Client at construction time.
type Options struct {
	// BrokerURL is the AMQP connection string.
	BrokerURL string

	// QueueName is the durable work queue requests are published to.
	QueueName string

	// IdentPrefix names this Client in its reply queue's generated name:
	// "{IdentPrefix}-{uuid}@{hostname}".
	IdentPrefix string

	// DefaultTimeout is used by Request when no per-call timeout is given.
	DefaultTimeout time.Duration

	// Debug enables verbose logging.
	Debug bool
}

type callResult struct {
	response *rpc.Response
	err      error
}

type pendingCall struct {
	request *rpc.Request
	sink    chan callResult
}

type submissionKind int

const (
	kindSubmit submissionKind = iota
	kindCancel
)

type submission struct {
	kind     submissionKind
	request  *rpc.Request
	sink     chan callResult // non-nil for request(); nil for inject
	ack      chan error      // non-nil for request_inject()
	cancelID string          // used by kindCancel
}

// channel is the subset of *amqp.Channel the Client depends on.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Close() error
}

type closer interface {
	Close() error
}

// dialer opens a fresh broker connection and channel. New uses the real
// AMQP dialer; tests substitute a fake.
type dialer func(brokerURL string) (channel, closer, error)

func defaultDialer(brokerURL string) (channel, closer, error) {
	conn, err := amqp.Dial(brokerURL)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// Client owns an AMQP channel, the shared work queue, and a private
// reply queue. Construct one with New; submit calls with Request or
// RequestInject; call Close then Wait to shut down cleanly and collect a
// Report.
type Client struct {
	opts        Options
	dial        dialer
	replyQueue  string
	ch          channel
	conn        closer
	submissions chan submission
	done        chan struct{}
	report      chan Report
}

// New connects to the broker, declares the shared work queue (durable,
// non-exclusive, non-auto-delete), declares a private reply queue named
// "{IdentPrefix}-{uuid}@{hostname}" (non-durable, non-exclusive,
// auto-delete), starts consuming it, and launches the background event
// loop.
func New(opts Options) (*Client, error) {
	return newWithDialer(opts, defaultDialer)
}

func newWithDialer(opts Options, dial dialer) (*Client, error) {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}

	replyQueue, err := generateIdentity(opts.IdentPrefix)
	if err != nil {
		return nil, fmt.Errorf("client: generate identity: %w", err)
	}

	ch, conn, err := dial(opts.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}

	deliveries, err := declareAndConsume(ch, opts.QueueName, replyQueue)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	confirmCh, err := enableConfirms(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("client: enable publisher confirms: %w", err)
	}

	c := &Client{
		opts:        opts,
		dial:        dial,
		replyQueue:  replyQueue,
		ch:          ch,
		conn:        conn,
		submissions: make(chan submission, 64),
		done:        make(chan struct{}),
		report:      make(chan Report, 1),
	}

	go c.run(deliveries, confirmCh)

	return c, nil
}

func generateIdentity(prefix string) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s@%s", prefix, uuid.New().String(), hostname), nil
}

func declareAndConsume(ch channel, queueName, replyQueue string) (<-chan amqp.Delivery, error) {
	_, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("client: declare work queue %q: %w", queueName, err)
	}

	_, err = ch.QueueDeclare(replyQueue, false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("client: declare reply queue %q: %w", replyQueue, err)
	}

	deliveries, err := ch.Consume(replyQueue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("client: consume reply queue %q: %w", replyQueue, err)
	}

	return deliveries, nil
}

func enableConfirms(ch channel) (chan amqp.Confirmation, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, err
	}
	return ch.NotifyPublish(make(chan amqp.Confirmation, 64)), nil
}

// Request submits method/params, waits up to timeout (or the Client's
// DefaultTimeout if timeout is zero) for a correlated reply, and returns
// it. A JSON-RPC level failure comes back as a populated Response.Error;
// ErrTimeout and ErrClientClosed are returned as Go errors instead, since
// they are transport-level outcomes rather than wire responses.
func (c *Client) Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (*rpc.Response, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	id := uuid.New().String()
	req := &rpc.Request{ID: id, Method: method, Params: params}
	sink := make(chan callResult, 1)

	select {
	case c.submissions <- submission{kind: kindSubmit, request: req, sink: sink}:
	case <-c.done:
		return nil, ErrClientClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-sink:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil

	case <-timer.C:
		c.cancel(id)
		return nil, ErrTimeout

	case <-ctx.Done():
		c.cancel(id)
		return nil, ctx.Err()

	case <-c.done:
		return nil, ErrClientClosed
	}
}

// RequestInject publishes method/params with no reply-to and no pending
// table entry, returning the generated request id once the publish has
// been attempted. Intended for fire-and-forget notifications.
func (c *Client) RequestInject(method string, params json.RawMessage) (string, error) {
	id := uuid.New().String()
	req := &rpc.Request{ID: id, Method: method, Params: params}
	ack := make(chan error, 1)

	select {
	case c.submissions <- submission{kind: kindSubmit, request: req, ack: ack}:
	case <-c.done:
		return "", ErrClientClosed
	}

	select {
	case err := <-ack:
		if err != nil {
			return "", err
		}
		return id, nil
	case <-c.done:
		return "", ErrClientClosed
	}
}

func (c *Client) cancel(id string) {
	select {
	case c.submissions <- submission{kind: kindCancel, cancelID: id}:
	case <-c.done:
	}
}

// Close closes the submission source. Any still-pending calls are
// fulfilled with ErrClientClosed; the event loop then cancels its
// consumer and closes its channel. Call Wait afterward to block until
// that has finished and collect the Report.
func (c *Client) Close() {
	select {
	case <-c.done:
		// already shutting down
	default:
		close(c.submissions)
	}
}

// Wait blocks until the event loop has exited and returns its Report.
func (c *Client) Wait() Report {
	<-c.done
	return <-c.report
}

func (c *Client) run(deliveries <-chan amqp.Delivery, confirmCh chan amqp.Confirmation) {
	pending := make(map[string]*pendingCall)
	report := Report{Connections: 1}

	defer func() {
		report.Pending = len(pending)
		for _, call := range pending {
			call.sink <- callResult{err: ErrClientClosed}
		}
		c.ch.Close()
		c.conn.Close()
		c.report <- report
		close(c.done)
	}()

	for {
		select {
		case sub, ok := <-c.submissions:
			if !ok {
				return
			}
			c.handleSubmission(sub, pending)

		case delivery, ok := <-deliveries:
			if !ok {
				newDeliveries, newConfirm, reconErr := c.reconnect(&report)
				if reconErr != nil {
					log.Printf("client: reconnect failed, giving up: %v", reconErr)
					return
				}
				deliveries = newDeliveries
				confirmCh = newConfirm
				continue
			}
			c.handleDelivery(delivery, pending)

		case confirm, ok := <-confirmCh:
			if ok && confirm.Ack {
				report.Confirmations++
			}
		}
	}
}

func (c *Client) handleSubmission(sub submission, pending map[string]*pendingCall) {
	switch sub.kind {
	case kindCancel:
		delete(pending, sub.cancelID)
		return

	case kindSubmit:
		isInject := sub.sink == nil
		replyTo := ""
		if !isInject {
			replyTo = c.replyQueue
		}

		err := c.publish(sub.request, replyTo)
		if err != nil {
			if isInject {
				sub.ack <- err
			} else {
				sub.sink <- callResult{response: rpc.ErrorResponseFor(
					sub.request,
					rpc.CodeInternalError,
					fmt.Sprintf("Could not send request: %v", err),
					nil,
				)}
			}
			return
		}

		if isInject {
			sub.ack <- nil
			return
		}

		pending[sub.request.ID] = &pendingCall{request: sub.request, sink: sub.sink}
	}
}

func (c *Client) publish(req *rpc.Request, replyTo string) error {
	body, err := rpc.EncodeRequest(req)
	if err != nil {
		return err
	}

	return c.ch.Publish("", c.opts.QueueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		ReplyTo:       replyTo,
		CorrelationId: req.ID,
		Body:          body,
	})
}

func (c *Client) handleDelivery(delivery amqp.Delivery, pending map[string]*pendingCall) {
	resp, err := rpc.DecodeResponse(delivery.Body)
	if err != nil {
		log.Printf("client: discarding malformed reply: %v", err)
		return
	}

	call, ok := pending[resp.ID]
	if !ok {
		log.Printf("client: discarding reply for unknown request id %q", resp.ID)
		return
	}
	delete(pending, resp.ID)

	select {
	case call.sink <- callResult{response: resp}:
	default:
		// caller already gave up (timeout/cancel raced the reply); drop it.
	}
}

// reconnect tries to re-dial the broker, redeclare both queues, and
// resume the reply consumer, up to maxReconnectAttempts with a short
// backoff between attempts. Pending calls are untouched: correlation is
// by id, not by channel, so they survive across the swap.
func (c *Client) reconnect(report *Report) (<-chan amqp.Delivery, chan amqp.Confirmation, error) {
	var lastErr error

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		c.ch.Close()
		c.conn.Close()

		ch, conn, err := c.dial(c.opts.BrokerURL)
		if err != nil {
			lastErr = err
			report.Retried++
			time.Sleep(backoff(attempt))
			continue
		}

		deliveries, err := declareAndConsume(ch, c.opts.QueueName, c.replyQueue)
		if err != nil {
			lastErr = err
			ch.Close()
			conn.Close()
			report.Retried++
			time.Sleep(backoff(attempt))
			continue
		}

		confirmCh, err := enableConfirms(ch)
		if err != nil {
			lastErr = err
			ch.Close()
			conn.Close()
			report.Retried++
			time.Sleep(backoff(attempt))
			continue
		}

		c.ch = ch
		c.conn = conn
		report.Connections++

		if c.opts.Debug {
			log.Printf("[DEBUG] client: reconnected on attempt %d", attempt)
		}

		return deliveries, confirmCh, nil
	}

	return nil, nil, fmt.Errorf("client: exhausted %d reconnect attempts: %w", maxReconnectAttempts, lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 200 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}
