package webbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
)

func newTestServer(t *testing.T, br *Bridge) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	br.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestValidMusicCommandEmitsAndAcks(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)
	_, url := newTestServer(t, br)

	got := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(bus.TopicMusicCommand, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "music_command", Body: map[string]any{"action": "play", "track_query": "jazz"}}))

	select {
	case payload := <-got:
		assert.Equal(t, "play", payload["action"])
	case <-time.After(time.Second):
		t.Fatal("music command not forwarded to bus")
	}

	var resp clientMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "command_response", resp.Type)
}

func TestMissingFieldProducesCommandError(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)
	_, url := newTestServer(t, br)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "music_command", Body: map[string]any{}}))

	var resp clientMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "command_error", resp.Type)
}

func TestVoiceCommandStartRequestsInteractiveMode(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)
	_, url := newTestServer(t, br)

	got := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(bus.TopicSystemSetModeRequest, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "voice_command", Body: map[string]any{"action": "start"}}))

	select {
	case payload := <-got:
		assert.Equal(t, "INTERACTIVE", payload["mode"])
	case <-time.After(time.Second):
		t.Fatal("voice_command start did not request INTERACTIVE mode")
	}
}

// TestVoiceCommandInvalidActionProducesCommandError is §8 scenario 4
// verbatim: an invalid voice action produces no bus event and a
// command_error with the documented VALIDATION_ERROR shape.
func TestVoiceCommandInvalidActionProducesCommandError(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)
	_, url := newTestServer(t, br)

	gotModeRequest := false
	_, err := b.SubscribeSync(bus.TopicSystemSetModeRequest, "test", func(_ context.Context, _ bus.Topic, _ map[string]any) error {
		gotModeRequest = true
		return nil
	})
	require.NoError(t, err)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "voice_command", Body: map[string]any{"action": "invalid"}}))

	var resp clientMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "command_error", resp.Type)
	assert.Equal(t, "VALIDATION_ERROR", resp.Body["error_code"])
	verrs, ok := resp.Body["validation_errors"].([]any)
	require.True(t, ok)
	require.Len(t, verrs, 1)
	fieldErr := verrs[0].(map[string]any)
	assert.Equal(t, "action", fieldErr["field"])
	assert.Equal(t, "Invalid voice action", fieldErr["message"])

	time.Sleep(20 * time.Millisecond)
	assert.False(t, gotModeRequest, "invalid voice command must not emit SYSTEM_SET_MODE_REQUEST")
}

func TestDJCommandStartRequestsAmbientMode(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)
	_, url := newTestServer(t, br)

	got := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(bus.TopicSystemSetModeRequest, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "dj_command", Body: map[string]any{"action": "start"}}))

	select {
	case payload := <-got:
		assert.Equal(t, "AMBIENT", payload["mode"])
	case <-time.After(time.Second):
		t.Fatal("dj_command start did not request AMBIENT mode")
	}
}

func TestSystemCommandRestartIsNotImplemented(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)
	_, url := newTestServer(t, br)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "system_command", Body: map[string]any{"action": "restart"}}))

	var resp clientMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "command_error", resp.Type)
	assert.Equal(t, "NOT_IMPLEMENTED", resp.Body["error_code"])
	assert.Equal(t, false, resp.Body["retry_allowed"])
}

func TestUnknownCommandTypeProducesCommandError(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)
	_, url := newTestServer(t, br)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "bogus_command", Body: map[string]any{}}))

	var resp clientMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "command_error", resp.Type)
}

func TestBroadcastRelaysBusEventToClient(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)
	_, url := newTestServer(t, br)

	conn := dial(t, url)
	time.Sleep(20 * time.Millisecond) // let the upgrade register the client

	err := b.Emit(context.Background(), bus.TopicSystemModeChange, map[string]any{
		"timestamp": time.Now(), "source": "mode_manager", "from": "IDLE", "to": "AMBIENT",
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp clientMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, string(bus.TopicSystemModeChange), resp.Type)
}

func TestThrottleDropsRapidDuplicateBroadcasts(t *testing.T) {
	b := bus.New(nil)
	br := New(b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)

	// Same payload twice in a row: the second is coalesced away.
	first := br.allow(bus.TopicMusicPlaybackStarted) && !br.isDuplicate(bus.TopicMusicPlaybackStarted, map[string]any{"track_id": "t1"})
	second := !br.isDuplicate(bus.TopicMusicPlaybackStarted, map[string]any{"track_id": "t1"})
	assert.True(t, first)
	assert.False(t, second)
}
