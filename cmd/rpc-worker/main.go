// Command rpc-worker runs a Worker against a named AMQP work queue,
// dispatching decoded requests to a small illustrative Responder. It is
// a thin front end: flag parsing, .env loading, and signal handling live
// here; the transport logic lives in the worker package.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/postageapp/skein/responder"
	"github.com/postageapp/skein/rpc"
	"github.com/postageapp/skein/worker"
)

var (
	flagVerbose          int
	flagEnvFile          string
	flagAMQPURL          string
	flagQueue            string
	flagWarningTimeout   time.Duration
	flagTerminateTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "rpc-worker",
		Short: "Consume JSON-RPC requests from an AMQP work queue and dispatch them",
		RunE:  run,
	}

	root.Flags().CountVarP(&flagVerbose, "verbose", "v", "increase logging verbosity")
	root.Flags().StringVar(&flagEnvFile, "env-file", "", "load environment variables from this file instead of ./.env")
	root.Flags().StringVarP(&flagAMQPURL, "amqp-url", "a", "", "AMQP broker URL (default from AMQP_URL env or amqp://localhost:5672/%2f)")
	root.Flags().StringVarP(&flagQueue, "queue", "q", "", "work queue name (default from AMQP_QUEUE env or skein_test)")
	root.Flags().DurationVar(&flagWarningTimeout, "warning-timeout", 0, "log a warning if a single handler exceeds this duration")
	root.Flags().DurationVar(&flagTerminateTimeout, "terminate-timeout", 0, "accepted but not applied: termination is only observed between requests, so no handler is cut short")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	loadEnvFile(flagEnvFile)
	configureLogging(flagVerbose)

	amqpURL := resolve(flagAMQPURL, "AMQP_URL", "amqp://localhost:5672/%2f")
	queue := resolve(flagQueue, "AMQP_QUEUE", "skein_test")

	resp := newDemoResponder()

	w, terminate, err := worker.New(worker.Options{
		BrokerURL:        amqpURL,
		QueueName:        queue,
		WarningTimeout:   flagWarningTimeout,
		TerminateTimeout: flagTerminateTimeout,
		Debug:            flagVerbose >= 2,
	}, resp)
	if err != nil {
		return fmt.Errorf("rpc-worker: %w", err)
	}
	defer w.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("rpc-worker: shutdown requested")
		resp.requestTermination()
		close(terminate)
	}()

	if err := w.Run(context.Background()); err != nil {
		return fmt.Errorf("rpc-worker: %w", err)
	}

	log.Printf("rpc-worker: handled %d request(s)", resp.handled())
	return nil
}

func resolve(flagValue, envVar, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func loadEnvFile(path string) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			log.Printf("rpc-worker: could not load env file %q: %v", path, err)
		}
		return
	}
	// Best effort: a missing ./.env is not an error.
	_ = godotenv.Load()
}

func configureLogging(verbose int) {
	log.SetFlags(log.LstdFlags)
	if verbose == 0 {
		log.SetOutput(os.Stderr)
	}
}

// demoResponder illustrates the Responder contract: "echo" returns its
// params verbatim, "stall" sleeps to exercise client timeouts, "boom"
// fails with an untyped error (sent back as a redacted internal error),
// and any other method is answered with "Method not found".
type demoResponder struct {
	mu         sync.Mutex
	count      int
	terminated atomic.Bool
}

func newDemoResponder() *demoResponder {
	return &demoResponder{}
}

func (r *demoResponder) Respond(ctx context.Context, request *rpc.Request) (json.RawMessage, error) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()

	switch request.Method {
	case "echo":
		if request.Params != nil {
			return request.Params, nil
		}
		return json.RawMessage("null"), nil

	case "stall":
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
		}
		return json.RawMessage("false"), nil

	case "boom":
		return nil, fmt.Errorf("simulated handler failure")

	default:
		return nil, rpc.NewErrorResponse(rpc.CodeMethodNotFound, "Method not found")
	}
}

func (r *demoResponder) Terminated() bool {
	return r.terminated.Load()
}

func (r *demoResponder) requestTermination() {
	r.terminated.Store(true)
}

func (r *demoResponder) handled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
