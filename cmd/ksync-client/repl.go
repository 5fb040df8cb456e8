// ABOUTME: Interactive loop for ksync-client: echo lines, run commands, request shutdown
// ABOUTME: "command: X" executes X on the server, "quit" asks to stop the server, "stats" shows latency

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/ksync/internal/communicator"
	"github.com/2389/ksync/internal/message"
)

const commandPrefix = "command:"

// session is the part of client.Session the loop drives.
type session interface {
	Echo(ctx context.Context, text string) (string, error)
	Execute(ctx context.Context, command string) (message.CommandOutput, error)
	Shutdown(ctx context.Context) error
	Stats() communicator.Stats
	Latency() communicator.LatencySnapshot
}

type repl struct {
	sess  session
	lines <-chan string
	out   io.Writer
}

// readLines feeds lines from r until EOF, then closes the channel.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

var errInputClosed = errors.New("input closed")

func (r *repl) next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-r.lines:
		if !ok {
			return "", errInputClosed
		}
		return line, nil
	}
}

// run handles lines until quit is confirmed, input ends or ctx is canceled.
func (r *repl) run(ctx context.Context) error {
	for {
		fmt.Fprintln(r.out, "Print message to send to the server:")
		line, err := r.next(ctx)
		if err != nil {
			if errors.Is(err, errInputClosed) {
				return nil
			}
			return err
		}

		switch {
		case line == "quit":
			confirmed, err := r.confirmQuit(ctx)
			if err != nil {
				return err
			}
			if !confirmed {
				continue
			}
			if err := r.sess.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown request: %w", err)
			}
			fmt.Fprintln(r.out, "Server acknowledged shutdown.")
			return nil

		case line == "stats":
			r.printStats()

		case strings.HasPrefix(line, commandPrefix):
			command := strings.TrimSpace(strings.TrimPrefix(line, commandPrefix))
			out, err := r.sess.Execute(ctx, command)
			if err != nil {
				return fmt.Errorf("executing %q: %w", command, err)
			}
			fmt.Fprintln(r.out, "Output:")
			fmt.Fprintln(r.out, out.Stdout)
			fmt.Fprintln(r.out, "Error:")
			fmt.Fprintln(r.out, out.Stderr)
			fmt.Fprintf(r.out, "Return Code: (%d)\n", out.ReturnCode)

		default:
			reply, err := r.sess.Echo(ctx, line)
			if err != nil {
				return fmt.Errorf("echo: %w", err)
			}
			if reply != line {
				fmt.Fprintln(r.out, color.RedString("Received message was different: %q", reply))
				continue
			}
			fmt.Fprintf(r.out, "Received (%s)\n", reply)
		}
	}
}

func (r *repl) confirmQuit(ctx context.Context) (bool, error) {
	for {
		fmt.Fprintln(r.out, "Are you sure you want to quit? (Y/n)")
		answer, err := r.next(ctx)
		if errors.Is(err, errInputClosed) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch answer {
		case "y", "Y":
			return true, nil
		case "n", "N":
			return false, nil
		default:
			fmt.Fprintln(r.out, "Please choose either Y or n.")
		}
	}
}

func (r *repl) printStats() {
	s := r.sess.Stats()
	l := r.sess.Latency()
	fmt.Fprintf(r.out, "sent=%d received=%d send_failures=%d unsolicited=%d pending=%d\n",
		s.Sent, s.Received, s.SendFailures, s.Unsolicited, s.Pending)
	fmt.Fprintf(r.out, "round trips=%d mean=%s p50=%s p99=%s max=%s\n",
		l.Count, l.Mean, l.P50, l.P99, l.Max)
}
