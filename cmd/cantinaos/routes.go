package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/config"
	"github.com/makeorbreakshop/cantinaos/internal/debugsvc"
	"github.com/makeorbreakshop/cantinaos/internal/eyes"
	"github.com/makeorbreakshop/cantinaos/internal/mode"
	"github.com/makeorbreakshop/cantinaos/internal/music"
)

// cliRouter translates the four CLI routing topics (§6 CLI surface)
// into the narrower domain-topic emits and direct method calls each
// target service actually expects. CommandDispatcher only knows how to
// produce StandardCommandPayload, so this translation has to live
// somewhere outside the domain services themselves.
type cliRouter struct {
	bus    *bus.Bus
	logger *slog.Logger

	mode  *mode.Manager
	music *music.Coordinator
	eyes  *eyes.Controller
	debug *debugsvc.Service
}

// commandArgs is the subset of StandardCommandPayload the router reads
// back off the bus's dict view.
type commandArgs struct {
	command    string
	subcommand string
	args       []string
}

func parseCommandArgs(payload map[string]any) commandArgs {
	c := commandArgs{}
	c.command, _ = payload["command"].(string)
	c.subcommand, _ = payload["subcommand"].(string)
	if raw, ok := payload["args"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				c.args = append(c.args, s)
			}
		}
	}
	return c
}

// registerCLIRouter subscribes the router's four handlers and returns
// an unsubscribe func for shutdown.
func registerCLIRouter(b *bus.Bus, logger *slog.Logger, modeMgr *mode.Manager, musicCoord *music.Coordinator, eyeCtl *eyes.Controller, dbg *debugsvc.Service) func() {
	r := &cliRouter{bus: b, logger: logger, mode: modeMgr, music: musicCoord, eyes: eyeCtl, debug: dbg}

	var subs []*bus.Subscription
	register := func(topic bus.Topic, handler bus.Handler) {
		sub, err := b.SubscribeSync(topic, "cli_router", handler)
		if err != nil {
			logger.Error("cli_router: subscribe failed", "topic", string(topic), "error", err)
			return
		}
		subs = append(subs, sub)
	}
	register(bus.TopicCLIRouteMode, r.handleMode)
	register(bus.TopicCLIRouteMusic, r.handleMusic)
	register(bus.TopicCLIRouteEye, r.handleEye)
	register(bus.TopicCLIRouteDebug, r.handleDebug)

	return func() {
		for _, sub := range subs {
			b.Unsubscribe(sub)
		}
	}
}

func (r *cliRouter) respond(ctx context.Context, message string) {
	if err := r.bus.Emit(ctx, bus.TopicCLIResponse, map[string]any{
		"timestamp": time.Now(), "source": "cli_router", "message": message,
	}); err != nil {
		r.logger.Warn("cli_router: failed to emit response", "error", err)
	}
}

// modeEngagedMessage is the CLI's exact mode-transition acknowledgement
// string (§8 scenario 1 mandates "Interactive mode engaged." verbatim
// for engage; the other transitions follow the same phrasing).
func modeEngagedMessage(target mode.Mode) string {
	switch target {
	case mode.Interactive:
		return "Interactive mode engaged."
	case mode.Ambient:
		return "Ambient mode engaged."
	case mode.Idle:
		return "Idle mode engaged."
	default:
		return fmt.Sprintf("%s mode engaged.", target)
	}
}

// handleMode routes engage/disengage/ambient/reset/status (§4.4). The
// transition itself goes through SYSTEM_SET_MODE_REQUEST rather than
// calling ModeManager directly, so the bus carries the same
// CLI_COMMAND -> SYSTEM_SET_MODE_REQUEST -> SYSTEM_MODE_CHANGE
// sequence §8 scenario 1 describes regardless of whether the request
// originated from the CLI or WebBridge. The acknowledgement is
// optimistic (emitted on request, not on observed SYSTEM_MODE_CHANGE),
// matching how WebBridge's own mode routes only ack receipt.
func (r *cliRouter) handleMode(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	c := parseCommandArgs(payload)

	var target mode.Mode
	switch c.command {
	case "engage":
		target = mode.Interactive
	case "disengage", "reset":
		target = mode.Idle
	case "ambient":
		target = mode.Ambient
	case "status":
		r.respond(ctx, fmt.Sprintf("mode: %s", r.mode.Current()))
		return nil
	default:
		r.respond(ctx, fmt.Sprintf("unknown mode command: %s", c.command))
		return nil
	}

	if err := r.bus.Emit(ctx, bus.TopicSystemSetModeRequest, map[string]any{
		"timestamp": time.Now(), "source": "cli_router", "mode": string(target),
	}); err != nil {
		r.respond(ctx, fmt.Sprintf("mode transition failed: %v", err))
		return nil
	}
	r.respond(ctx, modeEngagedMessage(target))
	return nil
}

// handleMusic routes list/play/stop music to MUSIC_COMMAND, except
// "list" which MusicCoordinator has no action for and is answered
// directly from its in-memory track catalog (§4.6).
func (r *cliRouter) handleMusic(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	c := parseCommandArgs(payload)
	query := ""
	if len(c.args) > 1 {
		query = strings.Join(c.args[1:], " ")
	}

	switch c.command {
	case "list":
		tracks := r.music.Tracks()
		if len(tracks) == 0 {
			r.respond(ctx, "no tracks found")
			return nil
		}
		var b strings.Builder
		for i, t := range tracks {
			fmt.Fprintf(&b, "%d. %s - %s\n", i+1, t.Artist, t.Title)
		}
		r.respond(ctx, strings.TrimRight(b.String(), "\n"))
		return nil
	case "play":
		return r.bus.Emit(ctx, bus.TopicMusicCommand, map[string]any{
			"timestamp": time.Now(), "source": "cli_router", "action": "play", "track_query": query,
		})
	case "stop":
		return r.bus.Emit(ctx, bus.TopicMusicCommand, map[string]any{
			"timestamp": time.Now(), "source": "cli_router", "action": "stop",
		})
	default:
		r.respond(ctx, fmt.Sprintf("unknown music command: %s", c.command))
		return nil
	}
}

// handleEye routes eye pattern/test/status straight onto the
// controller (§6 CLI surface).
func (r *cliRouter) handleEye(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	c := parseCommandArgs(payload)

	switch c.subcommand {
	case "pattern":
		if len(c.args) < 2 {
			r.respond(ctx, "usage: eye pattern <name>")
			return nil
		}
		if err := r.eyes.SetPattern(ctx, c.args[1]); err != nil {
			r.respond(ctx, fmt.Sprintf("eye pattern failed: %v", err))
			return nil
		}
		r.respond(ctx, fmt.Sprintf("eye pattern: %s", c.args[1]))
		return nil
	case "test":
		if err := r.eyes.Test(ctx); err != nil {
			r.respond(ctx, fmt.Sprintf("eye test failed: %v", err))
			return nil
		}
		r.respond(ctx, "eye test complete")
		return nil
	case "status":
		r.respond(ctx, fmt.Sprintf("eye pattern: %s", r.eyes.CurrentPattern()))
		return r.eyes.PublishStatus(ctx)
	default:
		r.respond(ctx, fmt.Sprintf("unknown eye command: %s", c.subcommand))
		return nil
	}
}

// handleDebug routes debug level/trace/performance onto DebugService
// (§4.10).
func (r *cliRouter) handleDebug(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	c := parseCommandArgs(payload)

	switch c.subcommand {
	case "level":
		if len(c.args) < 3 {
			r.respond(ctx, "usage: debug level <component> <LEVEL>")
			return nil
		}
		level, err := config.ParseLogLevel(c.args[2])
		if err != nil {
			r.respond(ctx, err.Error())
			return nil
		}
		r.debug.SetComponentLevel(c.args[1], level)
		r.respond(ctx, fmt.Sprintf("log level for %s set to %s", c.args[1], c.args[2]))
		return nil
	case "trace":
		if len(c.args) < 2 {
			r.respond(ctx, "usage: debug trace on|off")
			return nil
		}
		enabled := c.args[1] == "on"
		r.debug.SetTrace(enabled)
		r.respond(ctx, fmt.Sprintf("trace: %v", enabled))
		return nil
	case "performance":
		r.respond(ctx, "performance report published")
		return r.debug.PublishPerformanceReport(ctx)
	default:
		r.respond(ctx, fmt.Sprintf("unknown debug command: %s", c.subcommand))
		return nil
	}
}
