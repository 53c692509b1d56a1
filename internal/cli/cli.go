// Package cli implements the CLI service: it reads lines from an
// input stream, emits them as CLI_COMMAND, and prints CLI_RESPONSE
// back to an output stream. It never parses domain commands itself
// (§4.9) — that is CommandDispatcher's job.
//
// The line-reading loop is grounded on the teacher's cmd/thane one-shot
// `runAsk` path (bufio-based line handling around a single request),
// generalized here into a persistent interactive read loop.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

const helpText = `Commands are forwarded to CantinaOS as typed. Built-ins:
  help   show this message
  quit   stop the CLI (does not shut down CantinaOS)
  history  show the last commands entered this session`

// CLI is the CLI service.
type CLI struct {
	*service.Base

	in  *bufio.Scanner
	out io.Writer

	mu       sync.Mutex
	history  []string
	quit     chan struct{}
	quitOnce sync.Once
}

// New constructs a CLI reading from in and writing responses to out.
func New(b *bus.Bus, logger *slog.Logger, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		Base: service.NewBase("cli", b, logger),
		in:   bufio.NewScanner(in),
		out:  out,
		quit: make(chan struct{}),
	}
}

// OnStart subscribes to CLI_RESPONSE and launches the read loop.
func (c *CLI) OnStart(ctx context.Context) error {
	if _, err := c.Subscribe(bus.TopicCLIResponse, c.handleResponse); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

// OnStop signals the read loop to stop.
func (c *CLI) OnStop(ctx context.Context) error {
	c.quitOnce.Do(func() { close(c.quit) })
	return nil
}

func (c *CLI) readLoop(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for c.in.Scan() {
			lines <- c.in.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.handleLine(ctx, line)
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *CLI) handleLine(ctx context.Context, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	c.mu.Lock()
	c.history = append(c.history, trimmed)
	c.mu.Unlock()

	switch trimmed {
	case "help":
		fmt.Fprintln(c.out, helpText)
		return
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "bye")
		c.quitOnce.Do(func() { close(c.quit) })
		return
	case "history":
		c.printHistory()
		return
	}

	if err := c.Emit(ctx, bus.TopicCLICommand, map[string]any{
		"timestamp": time.Now(), "source": c.Name, "command": strings.Fields(trimmed)[0], "raw_input": trimmed,
	}); err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
}

func (c *CLI) printHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, entry := range c.history {
		fmt.Fprintf(c.out, "%d: %s\n", i+1, entry)
	}
}

func (c *CLI) handleResponse(_ context.Context, _ bus.Topic, payload map[string]any) error {
	message, _ := payload["message"].(string)
	fmt.Fprintln(c.out, message)
	return nil
}
