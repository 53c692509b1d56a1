package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/debugsvc"
	"github.com/makeorbreakshop/cantinaos/internal/dispatcher"
	"github.com/makeorbreakshop/cantinaos/internal/eyes"
	"github.com/makeorbreakshop/cantinaos/internal/mode"
	"github.com/makeorbreakshop/cantinaos/internal/music"
)

func newTestRouter(t *testing.T) (*bus.Bus, func()) {
	t.Helper()
	b := bus.New(nil)
	modeMgr := mode.New(b, nil, nil)
	musicCoord := music.New(b, nil, "")
	eyeCtl := eyes.New(b, nil, &eyes.MockWriter{})
	dbg := debugsvc.New(b, nil, nil, debugsvc.DefaultQueueSize)
	unsub := registerCLIRouter(b, nil, modeMgr, musicCoord, eyeCtl, dbg)
	t.Cleanup(unsub)
	return b, unsub
}

func collectOne(t *testing.T, b *bus.Bus, topic bus.Topic) chan map[string]any {
	t.Helper()
	out := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(topic, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		out <- payload
		return nil
	})
	require.NoError(t, err)
	return out
}

// TestEngageEmitsSetModeRequestAndExactResponse is §8 scenario 1
// verbatim: CLI_COMMAND{command:"engage"} must produce
// SYSTEM_SET_MODE_REQUEST{mode:"INTERACTIVE"} on the bus (not a direct
// ModeManager method call) and the CLI must print exactly
// "Interactive mode engaged."
func TestEngageEmitsSetModeRequestAndExactResponse(t *testing.T) {
	b, _ := newTestRouter(t)

	reqCh := collectOne(t, b, bus.TopicSystemSetModeRequest)
	respCh := collectOne(t, b, bus.TopicCLIResponse)

	err := b.Emit(context.Background(), bus.TopicCLIRouteMode, map[string]any{
		"timestamp": time.Now(), "source": "test", "command": "engage", "args": []any{},
	})
	require.NoError(t, err)

	select {
	case payload := <-reqCh:
		assert.Equal(t, "INTERACTIVE", payload["mode"])
	case <-time.After(time.Second):
		t.Fatal("engage did not emit SYSTEM_SET_MODE_REQUEST")
	}

	select {
	case payload := <-respCh:
		assert.Equal(t, "Interactive mode engaged.", payload["message"])
	case <-time.After(time.Second):
		t.Fatal("engage did not produce a CLI response")
	}
}

// TestEyeSubcommandReachesController is a regression test for the
// subcommand-loss bug: CommandDispatcher must carry a resolved
// subcommand through to StandardCommandPayload, or every eye
// pattern/test/status CLI command falls through to "unknown eye
// command".
func TestEyeSubcommandReachesController(t *testing.T) {
	b, _ := newTestRouter(t)

	d := dispatcher.New(b, nil, nil)
	require.NoError(t, d.Register("eye", "test", bus.TopicCLIRouteEye))
	require.NoError(t, d.Start(context.Background(), d))
	defer d.Stop(context.Background(), d)

	respCh := collectOne(t, b, bus.TopicCLIResponse)

	err := b.Emit(context.Background(), bus.TopicCLICommand, map[string]any{
		"timestamp": time.Now(), "source": "test", "raw_input": "eye test",
	})
	require.NoError(t, err)

	select {
	case payload := <-respCh:
		assert.Equal(t, "eye test complete", payload["message"])
	case <-time.After(time.Second):
		t.Fatal("eye test subcommand never reached the eye controller")
	}
}
