// Package webbridge implements WebBridge: a bidirectional translator
// between a Socket.IO-flavored websocket protocol and the event bus,
// with inbound schema validation and outbound per-topic throttling and
// backpressure dropping (§4.8).
//
// The mux/route registration shape is grounded on the teacher's
// internal/web.RegisterRoutes; the per-client fan-out queue with a
// bounded backpressure-dropping channel is grounded on
// other_examples/.../dex/internal/realtime/broadcaster.go's
// channel-routed publish model, adapted from Centrifuge channels to a
// plain gorilla/websocket connection per client plus a
// golang.org/x/time/rate token bucket per outbound topic.
package webbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/mode"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

// DefaultThrottleRate is the default outbound token-bucket rate per
// topic (§4.8's "4/s per topic").
const DefaultThrottleRate = 4.0

// DefaultSendQueueSize is the per-client soft limit on queued outbound
// messages before backpressure dropping kicks in (§4.8).
const DefaultSendQueueSize = 64

// inboundKind enumerates the client-originated message types WebBridge
// accepts (§4.8, §6).
type inboundKind string

const (
	kindVoiceCommand  inboundKind = "voice_command"
	kindMusicCommand  inboundKind = "music_command"
	kindDJCommand     inboundKind = "dj_command"
	kindSystemCommand inboundKind = "system_command"
)

// Error codes returned on command_error (§6).
const (
	errCodeValidation     = "VALIDATION_ERROR"
	errCodeNotImplemented = "NOT_IMPLEMENTED"
	errCodeInternal       = "INTERNAL_ERROR"
)

// fieldError is one entry of command_error's validation_errors (§6).
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// routeError carries everything sendError needs to build a
// command_error response.
type routeError struct {
	code    string
	message string
	fields  []fieldError
}

// routeFunc validates one client message kind's body and converts it
// to the bus topic/payload it emits, per §6's documented client->server
// schemas. A non-nil routeError means no bus event is emitted.
type routeFunc func(body map[string]any) (bus.Topic, map[string]any, *routeError)

var inboundRoutes = map[inboundKind]routeFunc{
	kindVoiceCommand:  routeVoiceCommand,
	kindMusicCommand:  routeMusicCommand,
	kindDJCommand:     routeDJCommand,
	kindSystemCommand: routeSystemCommand,
}

// routeVoiceCommand implements `voice_command {action: "start"|"stop"}`
// (§6), gating mic capture via the same mode transition ModeManager
// already enables it for on IDLE<->INTERACTIVE (§4.4).
func routeVoiceCommand(body map[string]any) (bus.Topic, map[string]any, *routeError) {
	action, _ := body["action"].(string)
	switch action {
	case "start":
		return bus.TopicSystemSetModeRequest, map[string]any{"mode": string(mode.Interactive)}, nil
	case "stop":
		return bus.TopicSystemSetModeRequest, map[string]any{"mode": string(mode.Idle)}, nil
	default:
		return "", nil, &routeError{
			code:    errCodeValidation,
			message: "invalid voice command",
			fields:  []fieldError{{Field: "action", Message: "Invalid voice action"}},
		}
	}
}

// routeMusicCommand implements `music_command {action, track_name?,
// track_id?, volume?}` (§6), translating the wire vocabulary
// (track_name/track_id) into MUSIC_COMMAND's track_query.
func routeMusicCommand(body map[string]any) (bus.Topic, map[string]any, *routeError) {
	action, _ := body["action"].(string)
	switch action {
	case "play", "pause", "resume", "stop", "next", "queue":
	default:
		return "", nil, &routeError{
			code:    errCodeValidation,
			message: "invalid music command",
			fields:  []fieldError{{Field: "action", Message: "Invalid music action"}},
		}
	}
	query, _ := body["track_name"].(string)
	if query == "" {
		query, _ = body["track_id"].(string)
	}
	return bus.TopicMusicCommand, map[string]any{"action": action, "track_query": query}, nil
}

// routeDJCommand implements `dj_command {action: "start"|"stop"|"next",
// auto_transition?}` (§6). "start"/"stop" request AMBIENT/IDLE mode;
// "next" is forwarded as MUSIC_COMMAND{action: "next"} without touching
// mode. MusicCoordinator has no "next" action and logs it as
// unrecognized, so the current track keeps playing.
func routeDJCommand(body map[string]any) (bus.Topic, map[string]any, *routeError) {
	action, _ := body["action"].(string)
	switch action {
	case "start":
		return bus.TopicSystemSetModeRequest, map[string]any{"mode": string(mode.Ambient)}, nil
	case "stop":
		return bus.TopicSystemSetModeRequest, map[string]any{"mode": string(mode.Idle)}, nil
	case "next":
		return bus.TopicMusicCommand, map[string]any{"action": "next"}, nil
	default:
		return "", nil, &routeError{
			code:    errCodeValidation,
			message: "invalid dj command",
			fields:  []fieldError{{Field: "action", Message: "Invalid DJ action"}},
		}
	}
}

// routeSystemCommand implements `system_command {action: "set_mode"|
// "restart"|"refresh_config", mode?}` (§6). Only set_mode has a
// corresponding bus event; restart/refresh_config name process-level
// operations no module in this build owns, so they're rejected rather
// than silently treated as set_mode.
func routeSystemCommand(body map[string]any) (bus.Topic, map[string]any, *routeError) {
	action, _ := body["action"].(string)
	switch action {
	case "set_mode":
		m, _ := body["mode"].(string)
		if m == "" {
			return "", nil, &routeError{
				code:    errCodeValidation,
				message: "invalid system command",
				fields:  []fieldError{{Field: "mode", Message: "mode is required for set_mode"}},
			}
		}
		return bus.TopicSystemSetModeRequest, map[string]any{"mode": m}, nil
	case "restart", "refresh_config":
		return "", nil, &routeError{
			code:    errCodeNotImplemented,
			message: fmt.Sprintf("system action %q is not supported", action),
		}
	default:
		return "", nil, &routeError{
			code:    errCodeValidation,
			message: "invalid system command",
			fields:  []fieldError{{Field: "action", Message: "Invalid system action"}},
		}
	}
}

// BroadcastTopics is the fixed set of bus topics WebBridge relays to
// every connected client (§4.8 "subscribes to a fixed set of status
// topics").
var BroadcastTopics = []bus.Topic{
	bus.TopicServiceStatusUpdate,
	bus.TopicSystemModeChange,
	bus.TopicMusicPlaybackStarted,
	bus.TopicMusicPlaybackPaused,
	bus.TopicMusicPlaybackResumed,
	bus.TopicMusicPlaybackStopped,
	bus.TopicSpeechSynthesisStarted,
	bus.TopicSpeechSynthesisEnded,
	bus.TopicTranscriptionInterim,
	bus.TopicTranscriptionFinal,
	bus.TopicDebugPerformanceReport,
}

// statusTopics are never refused by a full client queue: a status
// message displaces the oldest queued message, whatever its topic.
// Throttling and duplicate coalescing in broadcast still apply to them.
var statusTopics = map[bus.Topic]bool{
	bus.TopicServiceStatusUpdate: true,
	bus.TopicSystemModeChange:    true,
}

// clientMessage is the wire envelope for both directions.
type clientMessage struct {
	Type string         `json:"type"`
	Body map[string]any `json:"body"`
}

// client represents one connected websocket peer.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
}

// Bridge is the WebBridge service.
type Bridge struct {
	*service.Base

	upgrader      websocket.Upgrader
	sendQueueSize int

	mu      sync.Mutex
	clients map[*client]bool

	limiterMu sync.Mutex
	limiters  map[bus.Topic]*rate.Limiter
	lastSent  map[bus.Topic]string
}

// New constructs a Bridge.
func New(b *bus.Bus, logger *slog.Logger) *Bridge {
	return &Bridge{
		Base:          service.NewBase("web_bridge", b, logger),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sendQueueSize: DefaultSendQueueSize,
		clients:       make(map[*client]bool),
		limiters:      make(map[bus.Topic]*rate.Limiter),
		lastSent:      make(map[bus.Topic]string),
	}
}

// OnStart subscribes to every broadcast topic.
func (br *Bridge) OnStart(ctx context.Context) error {
	for _, topic := range BroadcastTopics {
		topic := topic
		if _, err := br.Subscribe(topic, func(ctx context.Context, t bus.Topic, payload map[string]any) error {
			return br.broadcast(t, payload)
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnStop closes every connected client.
func (br *Bridge) OnStop(ctx context.Context) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	for c := range br.clients {
		close(c.closed)
		c.conn.Close()
	}
	br.clients = make(map[*client]bool)
	return nil
}

// RegisterRoutes mounts the websocket upgrade endpoint on mux, the
// same registration pattern the teacher uses for its chat UI routes.
func (br *Bridge) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", br.handleUpgrade)
}

func (br *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		br.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, br.sendQueueSize), closed: make(chan struct{})}
	br.mu.Lock()
	br.clients[c] = true
	br.mu.Unlock()

	go br.writePump(c)
	br.readPump(c)
}

func (br *Bridge) readPump(c *client) {
	defer br.disconnect(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		br.handleInbound(c, raw)
	}
}

func (br *Bridge) writePump(c *client) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (br *Bridge) disconnect(c *client) {
	br.mu.Lock()
	if br.clients[c] {
		delete(br.clients, c)
		close(c.closed)
	}
	br.mu.Unlock()
	c.conn.Close()
}

func (br *Bridge) handleInbound(c *client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		br.sendError(c, &routeError{code: errCodeValidation, message: "invalid JSON envelope"})
		return
	}

	route, known := inboundRoutes[inboundKind(msg.Type)]
	if !known {
		br.sendError(c, &routeError{
			code:    errCodeValidation,
			message: fmt.Sprintf("unknown command type %q", msg.Type),
			fields:  []fieldError{{Field: "type", Message: "Unknown command type"}},
		})
		return
	}

	topic, payload, rerr := route(msg.Body)
	if rerr != nil {
		br.sendError(c, rerr)
		return
	}
	payload["timestamp"] = time.Now()
	payload["source"] = br.Name

	if err := br.Emit(context.Background(), topic, payload); err != nil {
		br.sendError(c, &routeError{code: errCodeInternal, message: "failed to process command"})
		return
	}
	br.sendTo(c, clientMessage{Type: "command_response", Body: map[string]any{
		"success": true, "message": fmt.Sprintf("%s processed", msg.Type), "type": msg.Type,
	}})
}

// sendError emits a command_error with the full §6 contract: a
// human-readable error, a machine-readable code, any field-level
// validation detail, and whether the client may retry as-is (only
// true for malformed input the client can itself correct).
func (br *Bridge) sendError(c *client, rerr *routeError) {
	fields := rerr.fields
	if fields == nil {
		fields = []fieldError{}
	}
	br.sendTo(c, clientMessage{Type: "command_error", Body: map[string]any{
		"error":             rerr.message,
		"error_code":        rerr.code,
		"validation_errors": fields,
		"retry_allowed":     rerr.code == errCodeValidation,
	}})
}

func (br *Bridge) sendTo(c *client, msg clientMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		br.Logger.Error("failed to encode outbound message", "error", err)
		return
	}
	select {
	case c.send <- raw:
	default:
		br.Logger.Warn("client send queue full, dropping message", "type", msg.Type)
	}
}

// broadcast throttles and coalesces payload for topic, then fans it
// out to every connected client. When a client's queue is full, a
// non-status message is dropped (the new one, not a queued one) and a
// status message displaces the oldest queued message of any topic.
func (br *Bridge) broadcast(topic bus.Topic, payload map[string]any) error {
	if !br.allow(topic) {
		return nil
	}
	if br.isDuplicate(topic, payload) {
		return nil
	}

	msg := clientMessage{Type: string(topic), Body: payload}
	raw, err := json.Marshal(msg)
	if err != nil {
		br.Logger.Warn("skipping malformed outbound payload", "topic", string(topic), "error", err)
		return nil
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	for c := range br.clients {
		select {
		case c.send <- raw:
		default:
			if statusTopics[topic] {
				// Status events are never dropped: displace the oldest
				// queued message to make room.
				select {
				case <-c.send:
				default:
				}
				select {
				case c.send <- raw:
				default:
				}
			} else {
				br.Logger.Warn("client send queue full, dropping non-status broadcast", "topic", string(topic))
			}
		}
	}
	return nil
}

func (br *Bridge) allow(topic bus.Topic) bool {
	br.limiterMu.Lock()
	defer br.limiterMu.Unlock()
	l, ok := br.limiters[topic]
	if !ok {
		l = rate.NewLimiter(rate.Limit(DefaultThrottleRate), 1)
		br.limiters[topic] = l
	}
	return l.Allow()
}

func (br *Bridge) isDuplicate(topic bus.Topic, payload map[string]any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	key := string(raw)

	br.limiterMu.Lock()
	defer br.limiterMu.Unlock()
	if br.lastSent[topic] == key {
		return true
	}
	br.lastSent[topic] = key
	return false
}
