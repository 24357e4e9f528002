package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/parleylabs/parley/stream"
)

const ParleyCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Parley experiment stream client.

The default urls are:
    api_url: https://api.parley.dev
    ws_url: wss://api.parley.dev

Usage:
    parleyctl watch [--api_url=<api_url>] [--ws_url=<ws_url>] [--jwt=<jwt>]
        <experiment_id>
    parleyctl tail [--ws_url=<ws_url>] [--jwt=<jwt>]
        [--message_count=<message_count>]
        <experiment_id>
    parleyctl runs [--api_url=<api_url>] [--jwt=<jwt>] <experiment_id>
    parleyctl retry [--ws_url=<ws_url>] [--jwt=<jwt>]
        [--max_attempts=<max_attempts>]
        <experiment_id>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --jwt=<jwt>                      Your platform JWT.
    --message_count=<message_count>  Print this many messages then exit.
    --max_attempts=<max_attempts>    Give up after this many reconnect attempts. [default: 5]`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ParleyCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if runs_, _ := opts.Bool("runs"); runs_ {
		runs(opts)
	} else if retry_, _ := opts.Bool("retry"); retry_ {
		retry(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return "https://api.parley.dev"
}

func wsUrl(opts docopt.Opts) string {
	if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		return wsUrl
	}
	return "wss://api.parley.dev"
}

func clientAuth(opts docopt.Opts) *stream.ClientAuth {
	jwt, _ := opts.String("--jwt")
	return &stream.ClientAuth{
		ByJwt:      jwt,
		InstanceId: stream.NewId(),
		AppVersion: ParleyCtlVersion,
	}
}

func watch(opts docopt.Opts) {
	experimentId, _ := opts.String("<experiment_id>")
	if err := runWatch(experimentId, apiUrl(opts), wsUrl(opts), clientAuth(opts)); err != nil {
		Err.Fatalf("watch error = %s", err)
	}
}

func tail(opts docopt.Opts) {
	experimentId, _ := opts.String("<experiment_id>")
	messageCount := -1
	if messageCountStr, err := opts.String("--message_count"); err == nil {
		if n, err := strconv.Atoi(messageCountStr); err == nil {
			messageCount = n
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := stream.NewWsDialer(wsUrl(opts), clientAuth(opts), stream.DefaultWsTransportSettings())
	registry := stream.NewConnectionRegistryWithDefaults(ctx, dial)
	defer registry.Shutdown()

	done := make(chan struct{})
	doneOnce := &sync.Once{}
	finish := func() {
		doneOnce.Do(func() {
			close(done)
		})
	}

	count := 0
	unsub := registry.Subscribe(experimentId, func(message stream.StreamMessage) {
		switch v := message.(type) {
		case *stream.MessageEvent:
			Out.Printf(
				"[%s] %s: %s",
				v.Message.Timestamp.Format(time.RFC3339),
				v.Message.AgentId,
				v.Message.Content,
			)
			count += 1
			if 0 <= messageCount && messageCount <= count {
				finish()
			}
		case *stream.StatusEvent:
			Out.Printf("status: %s iteration=%d", v.Status.Status, v.Status.CurrentIteration)
		case *stream.ErrorEvent:
			Out.Printf("error: %s", v.Error.Error)
		case *stream.ConversationEvent:
			if v.Conversation.IsStartSignal() {
				Out.Printf("-- new run %s --", v.Conversation.Id)
			} else {
				Out.Printf(
					"-- completed run %s (%d messages) --",
					v.Conversation.Id,
					len(v.Conversation.Messages),
				)
			}
		}
	})
	defer unsub()

	removeState := registry.AddStateListener(
		experimentId,
		func(state stream.ConnectionState, attempts int, nextDelay time.Duration) {
			Out.Printf("connection: %s attempts=%d next=%s", state, attempts, nextDelay)
			if state == stream.ConnectionStateCompleted {
				finish()
			}
		},
	)
	defer removeState()

	<-done
}

// retry subscribes with a bounded reconnect budget, and when the
// connection gives up, issues one manual retry and reports the outcome.
func retry(opts docopt.Opts) {
	experimentId, _ := opts.String("<experiment_id>")
	maxAttempts := 5
	if maxAttemptsStr, err := opts.String("--max_attempts"); err == nil {
		if n, err := strconv.Atoi(maxAttemptsStr); err == nil && 0 < n {
			maxAttempts = n
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := stream.DefaultConnectionSettings()
	settings.MaxReconnectAttempts = maxAttempts

	dial := stream.NewWsDialer(wsUrl(opts), clientAuth(opts), stream.DefaultWsTransportSettings())
	registry := stream.NewConnectionRegistry(ctx, dial, settings)
	defer registry.Shutdown()

	done := make(chan struct{})
	doneOnce := &sync.Once{}
	finish := func() {
		doneOnce.Do(func() {
			close(done)
		})
	}

	unsub := registry.Subscribe(experimentId, func(message stream.StreamMessage) {})
	defer unsub()

	retryMutex := &sync.Mutex{}
	retried := false
	removeState := registry.AddStateListener(
		experimentId,
		func(state stream.ConnectionState, attempts int, nextDelay time.Duration) {
			Out.Printf("connection: %s attempts=%d next=%s", state, attempts, nextDelay)

			retryMutex.Lock()
			alreadyRetried := retried
			retryMutex.Unlock()

			switch state {
			case stream.ConnectionStateConnected:
				if alreadyRetried {
					Out.Printf("manual retry reconnected")
					finish()
				}
			case stream.ConnectionStateCompleted:
				finish()
			case stream.ConnectionStateDisconnected:
				// gave up: attempts exhausted with no reconnect scheduled
				if 0 < attempts && nextDelay == 0 {
					if alreadyRetried {
						Out.Printf("manual retry gave up after %d attempts", attempts-1)
						finish()
					} else {
						retryMutex.Lock()
						retried = true
						retryMutex.Unlock()
						Out.Printf("reconnect gave up, issuing manual retry")
						registry.Retry(experimentId)
					}
				}
			}
		},
	)
	defer removeState()

	<-done
}

func runs(opts docopt.Opts) {
	experimentId, _ := opts.String("<experiment_id>")

	api := stream.NewParleyApi(apiUrl(opts))
	defer api.Close()
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		api.SetByJwt(jwt)
	}

	result, err := api.GetExperimentSync(experimentId)
	if err != nil {
		Err.Fatalf("experiment load error = %s", err)
	}

	Out.Printf("status: %s (iteration %d/%d)", result.Status, result.CurrentIteration, result.Iterations)
	if result.Conversation != nil {
		Out.Printf(
			"live: %s %q (%d messages)",
			result.Conversation.Id,
			result.Conversation.Title,
			len(result.Conversation.Messages),
		)
	}
	for i, run := range result.Conversations {
		Out.Printf("run[%d]: %s %q (%d messages)", i, run.Id, run.Title, len(run.Messages))
	}
}
