package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postageapp/skein/rpc"
)

// fakeChannel is an in-memory stand-in for *amqp.Channel. It records
// publishes addressed to the work queue routing key and lets tests push
// synthetic reply deliveries back through Consume's returned channel.
type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	failNext   bool
	deliveries chan amqp.Delivery
	confirms   chan amqp.Confirmation
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (f *fakeChannel) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{}, nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("simulated publish failure")
	}
	f.published = append(f.published, msg)
	if f.confirms != nil {
		f.confirms <- amqp.Confirmation{Ack: true}
	}
	return nil
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = c
	return c
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) lastPublish() amqp.Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return amqp.Publishing{}
	}
	return f.published[len(f.published)-1]
}

func (f *fakeChannel) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeCloser struct{ closed *bool }

func (c fakeCloser) Close() error {
	if c.closed != nil {
		*c.closed = true
	}
	return nil
}

func newTestClient(t *testing.T, ch *fakeChannel) *Client {
	t.Helper()
	dial := func(string) (channel, closer, error) {
		return ch, fakeCloser{}, nil
	}
	c, err := newWithDialer(Options{
		BrokerURL:      "amqp://test",
		QueueName:      "skein_test",
		IdentPrefix:    "test-client",
		DefaultTimeout: time.Second,
	}, dial)
	require.NoError(t, err)
	return c
}

// decodeRequestID extracts the request id a published request carries so a
// test can build the matching reply delivery.
func decodeRequestID(t *testing.T, pub amqp.Publishing) string {
	t.Helper()
	req, err := rpc.DecodeRequest(pub.Body)
	require.NoError(t, err)
	return req.ID
}

func sendReply(ch *fakeChannel, resp *rpc.Response) {
	body, _ := rpc.EncodeResponse(resp)
	ch.deliveries <- amqp.Delivery{Body: body}
}

func TestClientRequestEchoHappyPath(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(t, ch)
	defer func() { c.Close(); c.Wait() }()

	done := make(chan struct{})
	var resp *rpc.Response
	var err error
	go func() {
		resp, err = c.Request(context.Background(), "echo", json.RawMessage(`["hi"]`), time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return ch.publishCount() > 0 }, time.Second, time.Millisecond)
	id := decodeRequestID(t, ch.lastPublish())
	sendReply(ch, &rpc.Response{ID: id, Result: json.RawMessage(`["hi"]`)})

	<-done
	require.NoError(t, err)
	assert.JSONEq(t, `["hi"]`, string(resp.Result))
}

func TestClientOutOfOrderCorrelation(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(t, ch)
	defer func() { c.Close(); c.Wait() }()

	type outcome struct {
		resp *rpc.Response
		err  error
	}
	results := make([]chan outcome, 3)

	for i := range results {
		results[i] = make(chan outcome, 1)
		i := i
		go func() {
			resp, err := c.Request(context.Background(), "echo", json.RawMessage(fmt.Sprintf("%d", i)), 2*time.Second)
			results[i] <- outcome{resp, err}
		}()
	}

	require.Eventually(t, func() bool { return ch.publishCount() == 3 }, time.Second, time.Millisecond)

	// The goroutines publish in no fixed order, so index each id by the
	// caller number its params carry.
	ids := make([]string, 3)
	for i := 0; i < 3; i++ {
		req, err := rpc.DecodeRequest(ch.published[i].Body)
		require.NoError(t, err)
		var caller int
		require.NoError(t, json.Unmarshal(req.Params, &caller))
		ids[caller] = req.ID
	}

	// Reply in reverse order, plus one orphan reply for an unknown id.
	sendReply(ch, &rpc.Response{ID: "unknown-id", Result: json.RawMessage("0")})
	sendReply(ch, &rpc.Response{ID: ids[2], Result: json.RawMessage(`"two"`)})
	sendReply(ch, &rpc.Response{ID: ids[1], Result: json.RawMessage(`"one"`)})
	sendReply(ch, &rpc.Response{ID: ids[0], Result: json.RawMessage(`"zero"`)})

	for i, want := range []string{`"zero"`, `"one"`, `"two"`} {
		out := <-results[i]
		require.NoError(t, out.err)
		assert.JSONEq(t, want, string(out.resp.Result))
	}
}

func TestClientTimeoutIsolation(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(t, ch)
	defer func() { c.Close(); c.Wait() }()

	resp, err := c.Request(context.Background(), "stall", nil, 30*time.Millisecond)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrTimeout)

	require.Eventually(t, func() bool { return ch.publishCount() > 0 }, time.Second, time.Millisecond)
	id := decodeRequestID(t, ch.lastPublish())

	// Late reply for the timed-out id arrives after the caller gave up.
	sendReply(ch, &rpc.Response{ID: id, Result: json.RawMessage("false")})

	// A subsequent request on the same event loop still completes normally.
	done := make(chan struct{})
	var resp2 *rpc.Response
	var err2 error
	go func() {
		resp2, err2 = c.Request(context.Background(), "echo", json.RawMessage("1"), time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return ch.publishCount() > 1 }, time.Second, time.Millisecond)
	id2 := decodeRequestID(t, ch.lastPublish())
	sendReply(ch, &rpc.Response{ID: id2, Result: json.RawMessage("1")})

	<-done
	require.NoError(t, err2)
	assert.JSONEq(t, "1", string(resp2.Result))
}

func TestClientRequestInjectHasNoReplyToAndNoPendingEntry(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(t, ch)

	id, err := c.RequestInject("log", json.RawMessage("[1]"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool { return ch.publishCount() > 0 }, time.Second, time.Millisecond)
	pub := ch.lastPublish()
	assert.Equal(t, "", pub.ReplyTo)

	c.Close()
	report := c.Wait()
	assert.Equal(t, 0, report.Pending)
}

func TestClientPublishFailureSynthesizesErrorResponse(t *testing.T) {
	ch := newFakeChannel()
	ch.failNext = true
	c := newTestClient(t, ch)
	defer func() { c.Close(); c.Wait() }()

	resp, err := c.Request(context.Background(), "echo", nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(rpc.CodeInternalError), resp.Error.Code)
}
