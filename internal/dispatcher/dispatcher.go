// Package dispatcher implements the CommandDispatcher: it normalizes
// CLI command tokens, matches them against a registration table, and
// emits a StandardCommandPayload on the resolved target topic.
//
// The registration-table shape (an ordered lookup evaluated until one
// matches, with a decision logged at each step) is grounded on the
// teacher's internal/router.Router, generalized from model routing to
// command routing. Matching here is a plain map lookup rather than the
// teacher's weighted-rule evaluation, since command routing has no
// notion of partial scoring; the package stays standard-library-only
// for the same reason the teacher's own router is (see DESIGN.md).
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

// Command is the parsed form of one line of CLI input (§3 Command).
type Command struct {
	Command    string
	Subcommand string
	Args       []string
	RawInput   string
}

// Registration binds a command (and optional subcommand) to the topic
// commands matching it are forwarded to.
type Registration struct {
	Command     string
	Subcommand  string // empty means a single-token registration
	TargetTopic bus.Topic
}

func (r Registration) key() string {
	if r.Subcommand == "" {
		return r.Command
	}
	return r.Command + " " + r.Subcommand
}

// StandardCommandPayload is the normalized event CommandDispatcher
// forwards a matched command as (§4.3).
type StandardCommandPayload struct {
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Command    string    `json:"command"`
	Subcommand string    `json:"subcommand,omitempty"`
	Args       []string  `json:"args"`
	RawInput   string    `json:"raw_input"`
}

// ErrDuplicateRegistration is returned by Register when the same
// (command, subcommand) pair is registered twice. CantinaOS treats
// this as a startup error (§4.3).
type ErrDuplicateRegistration struct {
	Command    string
	Subcommand string
}

func (e *ErrDuplicateRegistration) Error() string {
	if e.Subcommand == "" {
		return fmt.Sprintf("dispatcher: command %q already registered", e.Command)
	}
	return fmt.Sprintf("dispatcher: command %q %q already registered", e.Command, e.Subcommand)
}

// Dispatcher parses CLI_COMMAND payloads into Commands, resolves them
// against its registration table (compound commands win over
// single-token commands), and emits StandardCommandPayload on the
// matched topic. Unmatched commands and help requests produce
// CLI_RESPONSE instead.
type Dispatcher struct {
	*service.Base

	aliases map[string]string
	regs    map[string]Registration
}

// New constructs a Dispatcher. aliases maps shortcuts to canonical
// verbs (e.g. "e" -> "engage", "l" -> "list"); a nil map means no
// aliases.
func New(b *bus.Bus, logger *slog.Logger, aliases map[string]string) *Dispatcher {
	if aliases == nil {
		aliases = map[string]string{}
	}
	return &Dispatcher{
		Base:    service.NewBase("command_dispatcher", b, logger),
		aliases: aliases,
		regs:    make(map[string]Registration),
	}
}

// Register binds a command (and optional subcommand, "" for none) to
// targetTopic. Registering the same (command, subcommand) pair twice
// is a startup error.
func (d *Dispatcher) Register(command, subcommand string, targetTopic bus.Topic) error {
	reg := Registration{Command: command, Subcommand: subcommand, TargetTopic: targetTopic}
	if _, exists := d.regs[reg.key()]; exists {
		return &ErrDuplicateRegistration{Command: command, Subcommand: subcommand}
	}
	d.regs[reg.key()] = reg
	return nil
}

// OnStart subscribes to CLI_COMMAND.
func (d *Dispatcher) OnStart(ctx context.Context) error {
	_, err := d.Subscribe(bus.TopicCLICommand, d.handleCLICommand)
	return err
}

// OnStop is a no-op; Base.Stop releases the tracked subscription.
func (d *Dispatcher) OnStop(ctx context.Context) error { return nil }

func (d *Dispatcher) handleCLICommand(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	raw, _ := payload["raw_input"].(string)
	cmd := Parse(raw)
	cmd.Command = d.normalize(cmd.Command)

	if cmd.Command == "" {
		return nil
	}

	reg, subcommand, ok := d.match(cmd)
	if !ok {
		return d.respond(ctx, fmt.Sprintf("unknown command: %s", cmd.RawInput))
	}
	cmd.Subcommand = subcommand

	return d.Emit(ctx, reg.TargetTopic, StandardCommandPayload{
		Timestamp:  time.Now(),
		Source:     d.Name,
		Command:    cmd.Command,
		Subcommand: cmd.Subcommand,
		Args:       cmd.Args,
		RawInput:   cmd.RawInput,
	})
}

func (d *Dispatcher) normalize(command string) string {
	if canon, ok := d.aliases[command]; ok {
		return canon
	}
	return command
}

// match resolves cmd against the registration table. A compound
// registration (command + first arg as subcommand) is tried before a
// single-token registration, per §4.3. The resolved subcommand (empty
// for a single-token match) is returned alongside the registration so
// the caller can carry it into the emitted payload.
func (d *Dispatcher) match(cmd Command) (Registration, string, bool) {
	if len(cmd.Args) > 0 {
		compoundKey := Registration{Command: cmd.Command, Subcommand: cmd.Args[0]}.key()
		if reg, ok := d.regs[compoundKey]; ok {
			return reg, cmd.Args[0], true
		}
	}
	singleKey := Registration{Command: cmd.Command}.key()
	reg, ok := d.regs[singleKey]
	return reg, "", ok
}

func (d *Dispatcher) respond(ctx context.Context, message string) error {
	return d.Emit(ctx, bus.TopicCLIResponse, map[string]any{
		"timestamp": time.Now(),
		"source":    d.Name,
		"message":   message,
	})
}

// Parse splits raw into a Command. Empty or whitespace-only input
// parses to a Command with an empty Command field, which callers
// should ignore rather than route (§4.3 edge case).
func Parse(raw string) Command {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Command{RawInput: raw}
	}
	tokens := strings.Fields(trimmed)
	cmd := Command{Command: tokens[0], RawInput: raw}
	if len(tokens) > 1 {
		cmd.Args = tokens[1:]
	}
	return cmd
}
