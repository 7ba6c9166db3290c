package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/watchd-dev/watchd/internal/client"
	"github.com/watchd-dev/watchd/internal/domain"
)

var (
	watchServerURL      string
	watchTopic          string
	watchSince          int64
	watchTimeoutSeconds int64
	watchRequestTimeout time.Duration
	watchConnectTimeout time.Duration
	watchFollow         bool
)

// watchCmd opens a watch stream against a running watchd server and
// prints events to stdout.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch events from a watchd server",
	Long: `Open a watch stream and print events as they arrive.

Two independent timeouts bound the stream:

  --timeout-seconds   consumed by the server; it closes the stream
                      cleanly when this many seconds elapse. Without
                      it the server picks a randomized deadline.
  --request-timeout   applied to the client socket before every read;
                      the only mechanism that detects a dead network
                      path. Unset means reads may block forever.

When the server closes the stream (its deadline elapsed), --follow
reconnects from the last seen sequence number.

Example:
  watchd watch --topic files
  watchd watch --timeout-seconds 3600 --request-timeout 60s --follow`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServerURL, "server", "http://127.0.0.1:8710", "watchd server URL")
	watchCmd.Flags().StringVar(&watchTopic, "topic", "", "topic to watch (default: all topics)")
	watchCmd.Flags().Int64Var(&watchSince, "since", -1, "replay events with seq greater than this before going live (0: whole log, -1: live only)")
	watchCmd.Flags().Int64Var(&watchTimeoutSeconds, "timeout-seconds", -1, "server-side watch deadline in seconds (-1: let the server randomize)")
	watchCmd.Flags().DurationVar(&watchRequestTimeout, "request-timeout", 0, "client-side per-read socket deadline (0: none)")
	watchCmd.Flags().DurationVar(&watchConnectTimeout, "connect-timeout", 0, "accepted for compatibility with (connect, read) pairs; ignored")
	watchCmd.Flags().BoolVar(&watchFollow, "follow", false, "reconnect after a graceful end-of-watch")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	var timeout client.RequestTimeout
	if watchRequestTimeout > 0 || watchConnectTimeout > 0 {
		timeout = client.TimeoutPair(watchConnectTimeout, watchRequestTimeout)
	}

	c, err := client.New(watchServerURL, timeout)
	if err != nil {
		return err
	}

	opts := client.WatchOptions{
		Topic: watchTopic,
	}
	if watchSince >= 0 {
		opts.Since = &watchSince
	}
	if watchTimeoutSeconds >= 0 {
		opts.TimeoutSeconds = &watchTimeoutSeconds
	}

	for {
		stream, err := c.Watch(cmd.Context(), opts)
		if err != nil {
			return err
		}

		lastSeq, err := printEvents(stream)
		_ = stream.Close()

		switch {
		case err == nil:
			// Graceful end-of-watch: the server's deadline elapsed.
			if !watchFollow {
				fmt.Fprintln(os.Stderr, "watch ended (server deadline elapsed)")
				return nil
			}
			cursor := lastSeq
			opts.Since = &cursor
			log.Debug().Int64("since", lastSeq).Msg("reconnecting watch")

		default:
			var rte *domain.ReadTimeoutError
			if errors.As(err, &rte) {
				return fmt.Errorf("no data within request timeout: %w", rte)
			}
			return err
		}
	}
}

// printEvents drains the stream, returning the last sequence seen and
// nil on graceful end-of-watch.
func printEvents(stream *client.Stream) (int64, error) {
	var lastSeq int64
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lastSeq, nil
			}
			return lastSeq, err
		}
		lastSeq = ev.Seq
		fmt.Printf("%d\t%s\t%s\t%s\n", ev.Seq, ev.Type, ev.Topic, string(ev.Object))
	}
}
