// Package worker implements the consume/dispatch/reply/ack loop bound to
// a durable AMQP work queue. A Worker decodes each delivery as a
// JSON-RPC request, hands it to a responder.Responder, publishes the
// reply to the delivery's reply-to routing key (if any), and always
// acknowledges the delivery before checking whether it has been asked to
// terminate.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/postageapp/skein/responder"
	"github.com/postageapp/skein/rpc"
)

// Options configures a Worker at construction time.
type Options struct {
	// BrokerURL is the AMQP connection string, e.g.
	// "amqp://localhost:5672/%2f".
	BrokerURL string

	// QueueName is the durable work queue the Worker consumes from.
	QueueName string

	// WarningTimeout, if non-zero, logs a warning when a single handler
	// invocation runs longer than this duration. Purely observational.
	WarningTimeout time.Duration

	// TerminateTimeout is accepted as configuration but Run does not read
	// it: Run observes the termination signal only between deliveries, so
	// no handler is cut short and the channel is not force-closed on a
	// deadline.
	TerminateTimeout time.Duration

	// Debug enables verbose logging.
	Debug bool
}

// channel is the subset of *amqp.Channel this package depends on. It
// exists so tests can exercise the dispatch loop against a fake broker
// instead of a live one.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// closer abstracts the underlying connection so Close can release it
// without this package depending on *amqp.Connection in tests.
type closer interface {
	Close() error
}

// Worker owns one AMQP channel bound to a named work queue. Construct one
// with New, then call Run; send on the channel returned by New to request
// cooperative termination.
type Worker struct {
	responder responder.Responder
	opts      Options

	conn closer
	ch   channel

	terminate chan struct{}
}

// New opens a connection to the broker, creates one channel, and declares
// the work queue durable, non-exclusive, non-auto-delete. It returns the
// Worker and a channel the caller retains and closes (or sends on) to
// request cooperative shutdown.
func New(opts Options, resp responder.Responder) (*Worker, chan<- struct{}, error) {
	conn, err := amqp.Dial(opts.BrokerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("worker: open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		opts.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("worker: declare queue %q: %w", opts.QueueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("worker: set qos: %w", err)
	}

	w, terminate := newWithChannel(ch, conn, opts, resp)
	return w, terminate, nil
}

// newWithChannel builds a Worker around an already-declared channel,
// skipping the dial/declare/qos steps New performs. Used directly by
// tests against a fake channel.
func newWithChannel(ch channel, conn closer, opts Options, resp responder.Responder) (*Worker, chan<- struct{}) {
	terminate := make(chan struct{})

	w := &Worker{
		responder: resp,
		opts:      opts,
		conn:      conn,
		ch:        ch,
		terminate: terminate,
	}

	return w, terminate
}

// Run starts consuming the work queue with manual acknowledgement and
// processes deliveries until the termination signal arrives and any
// in-flight handler has completed. It returns when the loop exits
// cleanly or the consumer stream ends.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.ch.Consume(
		w.opts.QueueName,
		"", // consumer tag, broker-assigned
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("worker: consume %q: %w", w.opts.QueueName, err)
	}

	for {
		// A pending termination signal wins over a delivery that is ready
		// at the same time.
		select {
		case <-w.terminate:
			return nil
		default:
		}

		select {
		case delivery, ok := <-deliveries:
			if !ok {
				if w.opts.Debug {
					log.Printf("[DEBUG] worker: consumer stream ended")
				}
				return nil
			}
			w.handle(ctx, delivery)

			if w.responder.Terminated() {
				return nil
			}

		case <-w.terminate:
			// Handlers run strictly between consecutive iterations of this
			// loop, so by the time the termination signal is observed here
			// no handler is in flight: the previous delivery (if any) has
			// already been handled and acked. TerminateTimeout therefore
			// has nothing to wait out in this implementation; it is kept
			// as a configuration knob for hosts that embed a Worker inside
			// a larger concurrent runtime.
			if w.opts.Debug {
				log.Printf("[DEBUG] worker: termination signal received")
			}
			return nil
		}
	}
}

// handle processes one delivery end to end: decode, dispatch, reply, ack.
// It never returns an error to the caller; all per-message failures are
// logged, turned into a JSON-RPC error response, or both.
func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	started := time.Now()

	response := w.buildResponse(ctx, delivery)

	w.tryReply(delivery, response)

	if err := delivery.Ack(false); err != nil {
		log.Printf("worker: ack delivery tag %d: %v", delivery.DeliveryTag, err)
	}

	if w.opts.WarningTimeout > 0 {
		if elapsed := time.Since(started); elapsed > w.opts.WarningTimeout {
			log.Printf("worker: handler exceeded warning timeout (%s > %s)", elapsed, w.opts.WarningTimeout)
		}
	}
}

// buildResponse decodes the delivery body, invokes the responder, and
// returns the Response to publish back. It never returns nil.
func (w *Worker) buildResponse(ctx context.Context, delivery amqp.Delivery) *rpc.Response {
	request, err := rpc.DecodeRequest(delivery.Body)
	if err != nil {
		code := int32(rpc.CodeInvalidRequest)
		var parseErr *rpc.ParseError
		if asParseError(err, &parseErr) {
			code = rpc.CodeParseError
		}
		log.Printf("worker: malformed request: %v", err)
		return rpc.ErrorResponseFor(request, code, messageForDecodeCode(code), nil)
	}

	result, err := w.responder.Respond(ctx, request)
	if err != nil {
		if typed, ok := asErrorResponse(err); ok {
			return &rpc.Response{ID: request.ID, Error: typed}
		}
		log.Printf("worker: handler error for method %q: %v", request.Method, err)
		return rpc.ErrorResponseFor(request, rpc.CodeInternalError, rpc.CanonicalInternalErrorMessage, nil)
	}

	return rpc.ResultResponseFor(request, result)
}

func messageForDecodeCode(code int32) string {
	if code == rpc.CodeParseError {
		return "Parse error"
	}
	return "Invalid request"
}

// tryReply publishes response to the delivery's reply-to routing key on
// the default exchange, if reply-to is present and non-empty. Publish
// failures are logged and swallowed; the delivery is still acked by the
// caller regardless of outcome here.
func (w *Worker) tryReply(delivery amqp.Delivery, response *rpc.Response) {
	if delivery.ReplyTo == "" {
		return
	}

	body, err := rpc.EncodeResponse(response)
	if err != nil {
		log.Printf("worker: encode response for reply-to %q: %v", delivery.ReplyTo, err)
		return
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: delivery.CorrelationId,
		Body:          body,
	}

	err = w.ch.Publish("", delivery.ReplyTo, false, false, publishing)
	if err != nil {
		log.Printf("worker: publish reply to %q: %v", delivery.ReplyTo, err)
	}
}

// Close releases the Worker's channel and connection. Safe to call after
// Run has returned.
func (w *Worker) Close() error {
	chErr := w.ch.Close()
	connErr := w.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

func asParseError(err error, target **rpc.ParseError) bool {
	if pe, ok := err.(*rpc.ParseError); ok {
		*target = pe
		return true
	}
	return false
}

func asErrorResponse(err error) (*rpc.ErrorResponse, bool) {
	typed, ok := err.(*rpc.ErrorResponse)
	return typed, ok
}
