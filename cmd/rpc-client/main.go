// Command rpc-client issues JSON-RPC requests against a Worker's work
// queue and prints the replies. It mirrors the shape of the worker
// front end: flags, .env loading, and output formatting live here; the
// correlation engine lives in the client package.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/postageapp/skein/client"
	"github.com/postageapp/skein/rpc"
)

var (
	flagVerbose    int
	flagEnvFile    string
	flagAMQPURL    string
	flagQueue      string
	flagIdent      string
	flagSilent     bool
	flagReport     bool
	flagRepeat     int
	flagSequencer  bool
	flagRepeatWait time.Duration
	flagTimeout    time.Duration
	flagNoReply    bool
	flagReceiptLog string
)

func main() {
	root := &cobra.Command{
		Use:   "rpc-client METHOD [ARGS...]",
		Short: "Issue a JSON-RPC request over an AMQP work queue and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}

	root.Flags().CountVarP(&flagVerbose, "verbose", "v", "increase logging verbosity")
	root.Flags().StringVarP(&flagEnvFile, "env-file", "e", "", "load environment variables from this file instead of ./.env")
	root.Flags().StringVarP(&flagAMQPURL, "amqp-url", "a", "", "AMQP broker URL (default from AMQP_URL env or amqp://localhost:5672/%2f)")
	root.Flags().StringVarP(&flagQueue, "queue", "q", "", "work queue name (default from AMQP_QUEUE env or skein_test)")
	root.Flags().StringVar(&flagIdent, "ident", "amqp-client", "client identity prefix used in the reply queue name")
	root.Flags().BoolVarP(&flagSilent, "silent", "s", false, "suppress printing replies")
	root.Flags().BoolVarP(&flagReport, "report", "t", false, "log elapsed time and requests/sec after completion")
	root.Flags().IntVarP(&flagRepeat, "repeat", "r", 1, "number of times to repeat the request")
	root.Flags().BoolVar(&flagSequencer, "sequencer", false, "replace params with the 1-based repeat index")
	root.Flags().DurationVar(&flagRepeatWait, "repeat-delay", 0, "delay between repeated requests")
	root.Flags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "per-request timeout")
	root.Flags().BoolVar(&flagNoReply, "noreply", false, "fire-and-forget: publish with no reply-to and no pending entry")
	root.Flags().StringVar(&flagReceiptLog, "receipt-log", "", "write each inject()'d request id to this file (created or truncated at start)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	loadEnvFile(flagEnvFile)
	configureLogging(flagVerbose)

	method := args[0]
	callArgs := args[1:]

	amqpURL := resolve(flagAMQPURL, "AMQP_URL", "amqp://localhost:5672/%2f")
	queue := resolve(flagQueue, "AMQP_QUEUE", "skein_test")

	params, err := json.Marshal(callArgs)
	if err != nil {
		return fmt.Errorf("rpc-client: encode args: %w", err)
	}

	c, err := client.New(client.Options{
		BrokerURL:      amqpURL,
		QueueName:      queue,
		IdentPrefix:    flagIdent,
		DefaultTimeout: flagTimeout,
		Debug:          flagVerbose >= 2,
	})
	if err != nil {
		return fmt.Errorf("rpc-client: %w", err)
	}

	var receiptLog *os.File
	if flagReceiptLog != "" {
		receiptLog, err = os.Create(flagReceiptLog)
		if err != nil {
			return fmt.Errorf("rpc-client: create receipt log: %w", err)
		}
		defer receiptLog.Close()
	}

	start := time.Now()
	completed := 0

	for i := 0; i < flagRepeat; i++ {
		requestParams := json.RawMessage(params)
		if flagSequencer {
			requestParams = json.RawMessage(fmt.Sprintf("%d", i+1))
		}

		if flagNoReply {
			id, err := c.RequestInject(method, requestParams)
			if err != nil {
				log.Printf("rpc-client: error with request: %v", err)
			} else {
				completed++
				if receiptLog != nil {
					fmt.Fprintf(receiptLog, "%s\n", id)
				}
			}
		} else {
			resp, err := c.Request(context.Background(), method, requestParams, flagTimeout)
			if err != nil {
				log.Printf("rpc-client: error sending request: %v", err)
			} else {
				completed++
				if !flagSilent {
					printResponse(resp)
				}
			}
		}

		if flagRepeatWait > 0 && i < flagRepeat-1 {
			time.Sleep(flagRepeatWait)
		}
	}

	c.Close()
	report := c.Wait()

	if flagReport {
		elapsed := time.Since(start).Seconds()
		rps := float64(completed) / elapsed
		log.Printf("Completed %d request(s) in %.2fs (%.1fRPS)", completed, elapsed, rps)
	}

	log.Printf(
		"Client report: connections=%d, confirmations=%d, retried=%d, pending=%d",
		report.Connections, report.Confirmations, report.Retried, report.Pending,
	)

	return nil
}

// printResponse re-encodes the reply envelope and writes it to stdout,
// matching the wire shape exactly (including the error variant).
func printResponse(resp *rpc.Response) {
	body, err := rpc.EncodeResponse(resp)
	if err != nil {
		log.Printf("rpc-client: could not encode reply for printing: %v", err)
		return
	}
	fmt.Println(string(body))
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
			log.Printf("rpc-client: could not load env file %q: %v", path, err)
		}
		return
	}
	_ = godotenv.Load()
}

func configureLogging(verbose int) {
	log.SetFlags(log.LstdFlags)
}
