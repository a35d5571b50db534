package pipeforce

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/pipeforce-go/hub"
	"github.com/glimte/pipeforce-go/internal/reliability"
	"github.com/glimte/pipeforce-go/messaging"
	"github.com/glimte/pipeforce-go/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Service = "hello"
	cfg.Namespace = "acme"
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func newTestClient(t *testing.T, options ...ClientOption) (*Client, *memory.Transport) {
	t.Helper()
	transport := memory.NewTransport(
		memory.WithLogger(discardLogger()),
		memory.WithRedeliveryDelay(time.Millisecond),
	)
	options = append([]ClientOption{
		WithLogger(discardLogger()),
		WithTransport(transport),
		WithoutHub(),
	}, options...)

	client, err := NewClient(testConfig(), options...)
	require.NoError(t, err)
	return client, transport
}

// runClient starts Run in the background and waits until it consumes
func runClient(t *testing.T, client *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.consumption != nil
	}, time.Second, time.Millisecond)
	return done
}

// respond answers every call published to routingKey on the reply address
func respond(t *testing.T, transport *memory.Transport, routingKey string, reply func(body []byte) []byte) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		seen := 0
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			published := transport.Published()
			for ; seen < len(published); seen++ {
				msg := published[seen]
				if msg.RoutingKey != routingKey || msg.Message.ReplyTo == "" {
					continue
				}
				_ = transport.Publish(ctx, "", msg.Message.ReplyTo, messaging.Publishing{
					CorrelationID: msg.Message.CorrelationID,
					Body:          reply(msg.Message.Body),
				})
			}
		}
	}()
}

// flakyTransport fails the first connects
type flakyTransport struct {
	*memory.Transport
	failures int32
	attempts int32
}

func (f *flakyTransport) Connect(ctx context.Context) error {
	if atomic.AddInt32(&f.attempts, 1) <= f.failures {
		return errors.New("connection refused")
	}
	return f.Transport.Connect(ctx)
}

// countingTransport counts topology declarations
type countingTransport struct {
	*memory.Transport
	declares int32
}

func (c *countingTransport) DeclareTopology(ctx context.Context, topology messaging.Topology) error {
	atomic.AddInt32(&c.declares, 1)
	return c.Transport.DeclareTopology(ctx, topology)
}

func TestNewClient(t *testing.T) {
	t.Run("resolves the configuration", func(t *testing.T) {
		client, _ := newTestClient(t)

		cfg := client.Config()
		assert.Equal(t, "pipeforce.service.hello", cfg.ServiceQueue())
		assert.Equal(t, "http://hub.acme.svc.cluster.local", cfg.HubURL)
		assert.Nil(t, client.Hub())
		assert.NotNil(t, client.Registry())
		assert.NotNil(t, client.Dispatcher())
		assert.NotNil(t, client.Transport())
	})

	t.Run("rejects an incomplete configuration", func(t *testing.T) {
		_, err := NewClient(DefaultConfig(), WithLogger(discardLogger()))
		assert.ErrorIs(t, err, ErrMissingLocation)
	})

	t.Run("builds the hub client from the configuration", func(t *testing.T) {
		client, err := NewClient(testConfig(), WithLogger(discardLogger()))
		require.NoError(t, err)

		require.NotNil(t, client.Hub())
		assert.Equal(t, "http://hub.acme.svc.cluster.local", client.Hub().BaseURL())
	})
}

func TestClientTopology(t *testing.T) {
	client, _ := newTestClient(t)
	require.NoError(t, client.HandleFunc("pipeforce.webhook.foo.*", func(ctx context.Context, body []byte) error { return nil }))
	require.NoError(t, client.HandleFunc("pipeforce.event.#", func(ctx context.Context, body []byte) error { return nil }))

	topology := client.Topology()

	assert.Equal(t, "pipeforce.topic.default", topology.Exchange)
	assert.Equal(t, "pipeforce.service.hello", topology.Queue)
	assert.True(t, topology.Durable)
	assert.True(t, topology.AutoDelete)
	assert.False(t, topology.Exclusive)
	assert.Equal(t, []string{"pipeforce.webhook.foo.*", "pipeforce.event.#"}, topology.Bindings)
	assert.Empty(t, topology.DeadLetterQueue)

	dlqClient, _ := newTestClient(t, WithDeadLettering(true))
	assert.Equal(t, "pipeforce_default_dlq", dlqClient.Topology().DeadLetterQueue)
}

func TestClientHandle(t *testing.T) {
	client, _ := newTestClient(t)
	handler := messaging.HandlerFunc(func(ctx context.Context, body []byte) error { return nil })

	require.NoError(t, client.Handle("pipeforce.webhook.foo.*", handler))
	err := client.Handle("pipeforce.webhook.foo.*", handler)

	assert.True(t, messaging.IsDuplicatePattern(err))
}

func TestClientRun(t *testing.T) {
	ctx := context.Background()

	t.Run("routes published messages to handlers", func(t *testing.T) {
		client, transport := newTestClient(t)
		received := make(chan string, 1)
		require.NoError(t, client.HandleFunc("pipeforce.webhook.foo.*", func(ctx context.Context, body []byte) error {
			received <- string(body)
			return nil
		}))
		done := runClient(t, client)

		require.NoError(t, transport.Publish(ctx, "pipeforce.topic.default", "pipeforce.webhook.foo.bar", messaging.Publishing{Body: []byte("Sam")}))

		select {
		case body := <-received:
			assert.Equal(t, "Sam", body)
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}

		require.NoError(t, client.Close())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after Close")
		}
		assert.Equal(t, int64(1), client.Dispatcher().Stats().Routed)
	})

	t.Run("returns when the context ends", func(t *testing.T) {
		client, _ := newTestClient(t)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- client.Run(ctx) }()
		require.Eventually(t, func() bool {
			client.mu.Lock()
			defer client.mu.Unlock()
			return client.consumption != nil
		}, time.Second, time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}

		client.mu.Lock()
		defer client.mu.Unlock()
		assert.Nil(t, client.consumption)
	})

	t.Run("returns when the context deadline passes", func(t *testing.T) {
		client, _ := newTestClient(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		assert.NoError(t, client.Run(ctx))
	})

	t.Run("second Run is rejected before touching the broker", func(t *testing.T) {
		transport := &countingTransport{Transport: memory.NewTransport(memory.WithLogger(discardLogger()))}
		client, _ := newTestClient(t, WithTransport(transport))
		runClient(t, client)
		require.Equal(t, int32(1), atomic.LoadInt32(&transport.declares))

		assert.ErrorIs(t, client.Run(ctx), ErrAlreadyRunning)
		assert.Equal(t, int32(1), atomic.LoadInt32(&transport.declares))
		require.NoError(t, client.Close())
	})

	t.Run("failing handlers do not stop later messages", func(t *testing.T) {
		client, transport := newTestClient(t)
		received := make(chan string, 2)
		require.NoError(t, client.HandleFunc("pipeforce.webhook.panic", func(ctx context.Context, body []byte) error {
			panic("boom")
		}))
		require.NoError(t, client.HandleFunc("pipeforce.webhook.fail", func(ctx context.Context, body []byte) error {
			return errors.New("failed")
		}))
		require.NoError(t, client.HandleFunc("pipeforce.webhook.ok", func(ctx context.Context, body []byte) error {
			received <- string(body)
			return nil
		}))
		runClient(t, client)
		defer client.Close()

		for _, key := range []string{"pipeforce.webhook.panic", "pipeforce.webhook.fail", "pipeforce.webhook.ok"} {
			require.NoError(t, transport.Publish(ctx, "pipeforce.topic.default", key, messaging.Publishing{Body: []byte(key)}))
		}

		select {
		case body := <-received:
			assert.Equal(t, "pipeforce.webhook.ok", body)
		case <-time.After(time.Second):
			t.Fatal("message after failing handlers was not routed")
		}
		stats := client.Dispatcher().Stats()
		assert.Equal(t, int64(3), stats.Routed)
		assert.Equal(t, int64(2), stats.HandlerFailures)
	})

	t.Run("unrouted messages do not hold back later messages", func(t *testing.T) {
		cfg := testConfig()
		transport := memory.NewTransport(
			memory.WithLogger(discardLogger()),
			memory.WithPrefetch(cfg.MessagingPrefetch),
		)
		client, _ := newTestClient(t, WithTransport(transport))
		received := make(chan string, 1)
		require.NoError(t, client.HandleFunc("pipeforce.webhook.foo.*", func(ctx context.Context, body []byte) error {
			received <- string(body)
			return nil
		}))
		runClient(t, client)
		defer client.Close()

		// delivered by queue name, so no handler matches and they stay unsettled
		for i := 0; i < 25; i++ {
			require.NoError(t, transport.Publish(ctx, "", cfg.ServiceQueue(), messaging.Publishing{}))
		}
		require.NoError(t, transport.Publish(ctx, "pipeforce.topic.default", "pipeforce.webhook.foo.bar", messaging.Publishing{Body: []byte("Sam")}))

		select {
		case body := <-received:
			assert.Equal(t, "Sam", body)
		case <-time.After(time.Second):
			t.Fatal("routed message stuck behind unsettled deliveries")
		}
		assert.Equal(t, int64(25), client.Dispatcher().Stats().Unrouted)
	})

	t.Run("Run after Close fails", func(t *testing.T) {
		client, _ := newTestClient(t)
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())

		assert.ErrorIs(t, client.Run(ctx), ErrClientClosed)
	})
}

func TestClientConnect(t *testing.T) {
	t.Run("retries with the connect policy", func(t *testing.T) {
		transport := &flakyTransport{Transport: memory.NewTransport(memory.WithLogger(discardLogger())), failures: 2}
		client, err := NewClient(testConfig(),
			WithLogger(discardLogger()),
			WithTransport(transport),
			WithoutHub(),
			WithConnectPolicy(reliability.NewFixedDelay(time.Millisecond, 3)),
		)
		require.NoError(t, err)

		require.NoError(t, client.Connect(context.Background()))
		require.NoError(t, client.Connect(context.Background()))
		assert.Equal(t, int32(3), atomic.LoadInt32(&transport.attempts))
	})

	t.Run("gives up when the policy is exhausted", func(t *testing.T) {
		transport := &flakyTransport{Transport: memory.NewTransport(), failures: 10}
		client, err := NewClient(testConfig(),
			WithLogger(discardLogger()),
			WithTransport(transport),
			WithoutHub(),
			WithConnectPolicy(reliability.NewFixedDelay(time.Millisecond, 1)),
		)
		require.NoError(t, err)

		err = client.Connect(context.Background())

		var retryErr *reliability.RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 2, retryErr.Attempts)
		assert.ErrorIs(t, client.Run(context.Background()), reliability.ErrMaxRetriesExceeded)
	})
}

func TestClientSend(t *testing.T) {
	client, transport := newTestClient(t)
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Send(context.Background(), "pipeforce.event.created", []byte("payload")))

	published := transport.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "pipeforce.topic.default", published[0].Exchange)
	assert.Equal(t, "pipeforce.event.created", published[0].RoutingKey)
	assert.Equal(t, []byte("payload"), published[0].Message.Body)
	assert.Empty(t, published[0].Message.CorrelationID)
}

func TestClientCall(t *testing.T) {
	t.Run("from outside a handler", func(t *testing.T) {
		client, transport := newTestClient(t)
		respond(t, transport, "pipeforce.command.greet", func(body []byte) []byte {
			return append([]byte("Hello "), body...)
		})
		runClient(t, client)
		defer client.Close()

		response, err := client.Call(context.Background(), "pipeforce.command.greet", []byte("Sam"))

		require.NoError(t, err)
		assert.Equal(t, "Hello Sam", string(response))
		assert.False(t, client.Dispatcher().SyncMode())
	})

	t.Run("from inside a handler", func(t *testing.T) {
		client, transport := newTestClient(t)
		respond(t, transport, "pipeforce.command.greet", func(body []byte) []byte {
			return append([]byte("Hello "), body...)
		})

		results := make(chan string, 1)
		require.NoError(t, client.HandleFunc("pipeforce.webhook.foo.*", func(ctx context.Context, body []byte) error {
			response, err := client.Call(ctx, "pipeforce.command.greet", body)
			if err != nil {
				return err
			}
			results <- string(response)
			return nil
		}))
		runClient(t, client)
		defer client.Close()

		require.NoError(t, transport.Publish(context.Background(), "pipeforce.topic.default", "pipeforce.webhook.foo.bar", messaging.Publishing{Body: []byte("Sam")}))

		select {
		case result := <-results:
			assert.Equal(t, "Hello Sam", result)
		case <-time.After(2 * time.Second):
			t.Fatal("call from handler did not complete")
		}
	})

	t.Run("unrelated messages wait for the call", func(t *testing.T) {
		client, transport := newTestClient(t)
		var routed int32
		require.NoError(t, client.HandleFunc("pipeforce.event.#", func(ctx context.Context, body []byte) error {
			atomic.AddInt32(&routed, 1)
			return nil
		}))
		runClient(t, client)
		defer client.Close()

		ctx := context.Background()
		release := make(chan struct{})
		respond(t, transport, "pipeforce.command.slow", func(body []byte) []byte {
			<-release
			return []byte("done")
		})

		result := make(chan []byte, 1)
		go func() {
			response, _ := client.Call(ctx, "pipeforce.command.slow", nil)
			result <- response
		}()
		require.Eventually(t, client.Dispatcher().SyncMode, time.Second, time.Millisecond)

		require.NoError(t, transport.Publish(ctx, "pipeforce.topic.default", "pipeforce.event.created", messaging.Publishing{Body: []byte("e")}))
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, atomic.LoadInt32(&routed))

		close(release)
		select {
		case response := <-result:
			assert.Equal(t, []byte("done"), response)
		case <-time.After(2 * time.Second):
			t.Fatal("call did not complete")
		}
		assert.Eventually(t, func() bool { return atomic.LoadInt32(&routed) == 1 }, time.Second, time.Millisecond)
	})

	t.Run("times out without a response", func(t *testing.T) {
		client, _ := newTestClient(t)
		runClient(t, client)
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := client.Call(ctx, "pipeforce.command.nobody", nil)

		assert.ErrorIs(t, err, messaging.ErrCallTimeout)
		assert.False(t, client.Dispatcher().SyncMode())
	})
}

func TestClientQueueStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("reports service and dead letter queues", func(t *testing.T) {
		client, transport := newTestClient(t, WithDeadLettering(true))
		require.NoError(t, client.HandleFunc("pipeforce.event.#", func(ctx context.Context, body []byte) error { return nil }))
		require.NoError(t, client.Connect(ctx))
		require.NoError(t, transport.DeclareTopology(ctx, client.Topology()))
		require.NoError(t, client.Send(ctx, "pipeforce.event.created", nil))

		states, err := client.QueueStatus(ctx)

		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, messaging.QueueState{Name: "pipeforce.service.hello", Messages: 1}, states[0])
		assert.Equal(t, "pipeforce_default_dlq", states[1].Name)
	})

	t.Run("undeclared queue", func(t *testing.T) {
		client, _ := newTestClient(t)

		_, err := client.QueueStatus(ctx)
		assert.ErrorIs(t, err, memory.ErrQueueNotFound)
	})

	t.Run("transport without inspection", func(t *testing.T) {
		client, err := NewClient(testConfig(),
			WithLogger(discardLogger()),
			WithTransport(plainTransport{memory.NewTransport()}),
			WithoutHub(),
		)
		require.NoError(t, err)

		_, err = client.QueueStatus(ctx)
		assert.ErrorIs(t, err, ErrInspectionUnsupported)
	})
}

// plainTransport hides the optional interfaces of the wrapped transport
type plainTransport struct {
	messaging.Transport
}

func TestClientHub(t *testing.T) {
	ctx := context.Background()

	t.Run("without hub", func(t *testing.T) {
		client, _ := newTestClient(t)

		_, err := client.RunPipeline(ctx, "pipeline: []")
		assert.ErrorIs(t, err, ErrNoHub)
		_, err = client.RunCommand(ctx, "log", nil)
		assert.ErrorIs(t, err, ErrNoHub)
	})

	t.Run("delegates to the hub client", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/v3/command/iam.token.refresh":
				_, _ = io.WriteString(w, `{"access_token":"a","expires_in":300}`)
			case "/api/v3/command/log":
				_, _ = io.WriteString(w, `{"ok":true}`)
			case "/api/v3/pipeline":
				_, _ = io.WriteString(w, `done`)
			default:
				http.NotFound(w, r)
			}
		}))
		defer server.Close()

		hubClient, err := hub.NewClient(server.URL, hub.WithSecret("Apitoken t"), hub.WithLogger(discardLogger()))
		require.NoError(t, err)
		client, _ := newTestClient(t, WithHubClient(hubClient))

		result, err := client.RunCommand(ctx, "log", map[string]string{"message": "hi"})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"ok": true}, result)

		result, err = client.RunPipeline(ctx, "pipeline:\n  - log: {}\n")
		require.NoError(t, err)
		assert.Equal(t, "done", result)
	})
}
