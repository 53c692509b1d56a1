package bus

// Topic is a hierarchical, slash-delimited event-stream name. Topics
// are enumerated in the central registry below; Emit rejects any topic
// not registered here (ErrBadTopic).
type Topic string

// CLI / command pipeline topics.
const (
	TopicCLICommand  Topic = "/cli/command"
	TopicCLIResponse Topic = "/cli/response"
)

// Service lifecycle topics, emitted by every BaseService.
const (
	TopicServiceStatusUpdate Topic = "/service/status"
	TopicServiceError        Topic = "/service/error"
)

// Mode topics.
const (
	TopicSystemSetModeRequest Topic = "/system/mode/set_request"
	TopicSystemModeChange     Topic = "/system/mode/change"
)

// Dialog / planning topics.
const (
	TopicIntentDetected Topic = "/dialog/intent/detected"
	TopicPlanReady      Topic = "/plan/ready"
	TopicPlanStarted    Topic = "/plan/started"
	TopicPlanEnded      Topic = "/plan/ended"
	TopicStepReady      Topic = "/plan/step/ready"
	TopicStepExecuted   Topic = "/plan/step/executed"
	TopicStepCancelled  Topic = "/plan/step/cancelled"
	TopicStepFailed     Topic = "/plan/step/failed"
)

// Audio / music topics.
const (
	TopicAudioDuckingStart     Topic = "/audio/ducking/start"
	TopicAudioDuckingStop      Topic = "/audio/ducking/stop"
	TopicMusicCommand          Topic = "/music/command"
	TopicMusicPlaybackStarted  Topic = "/music/playback/started"
	TopicMusicPlaybackPaused   Topic = "/music/playback/paused"
	TopicMusicPlaybackResumed  Topic = "/music/playback/resumed"
	TopicMusicPlaybackStopped  Topic = "/music/playback/stopped"
)

// Speech / voice topics.
const (
	TopicTTSGenerateRequest     Topic = "/speech/tts/generate_request"
	TopicSpeechSynthesisStarted Topic = "/speech/synthesis/started"
	TopicSpeechSynthesisEnded   Topic = "/speech/synthesis/ended"
	TopicVoiceBeat              Topic = "/speech/voice_beat"
	TopicTranscriptionInterim   Topic = "/voice/transcription/interim"
	TopicTranscriptionFinal     Topic = "/voice/transcription/final"
)

// Memory topics.
const (
	TopicMemoryUpdated Topic = "/memory/updated"
)

// Debug topics.
const (
	TopicDebugPerformanceReport Topic = "/debug/performance/report"
	TopicDebugLogRecord         Topic = "/debug/log/record"
)

// Eye / LED topics. Concrete serial firmware is an out-of-scope
// external collaborator (spec §1); EyeController only owns the
// pattern/test/status contract and a mock or pass-through writer.
const (
	TopicEyeCommand Topic = "/eye/command"
	TopicEyeStatus  Topic = "/eye/status"
)

// CLI routing topics: CommandDispatcher forwards CLI verb families
// here; each carries dispatcher.StandardCommandPayload and is
// translated to the relevant domain topic by the composition root
// (cmd/cantinaos/routes.go), since the domain topics (MUSIC_COMMAND, eye/command, ...)
// expect their own narrower payload shapes.
const (
	TopicCLIRouteMode  Topic = "/cli/route/mode"
	TopicCLIRouteMusic Topic = "/cli/route/music"
	TopicCLIRouteEye   Topic = "/cli/route/eye"
	TopicCLIRouteDebug Topic = "/cli/route/debug"
)

// knownTopics is the central registry of every topic the bus accepts.
// Emit on a topic not present here logs ErrBadTopic and delivers nothing.
var knownTopics = map[Topic]bool{
	TopicCLICommand:             true,
	TopicCLIResponse:            true,
	TopicServiceStatusUpdate:    true,
	TopicServiceError:           true,
	TopicSystemSetModeRequest:   true,
	TopicSystemModeChange:       true,
	TopicIntentDetected:         true,
	TopicPlanReady:              true,
	TopicPlanStarted:            true,
	TopicPlanEnded:              true,
	TopicStepReady:              true,
	TopicStepExecuted:           true,
	TopicStepCancelled:          true,
	TopicStepFailed:             true,
	TopicAudioDuckingStart:      true,
	TopicAudioDuckingStop:       true,
	TopicMusicCommand:           true,
	TopicMusicPlaybackStarted:   true,
	TopicMusicPlaybackPaused:    true,
	TopicMusicPlaybackResumed:   true,
	TopicMusicPlaybackStopped:   true,
	TopicTTSGenerateRequest:     true,
	TopicSpeechSynthesisStarted: true,
	TopicSpeechSynthesisEnded:   true,
	TopicVoiceBeat:              true,
	TopicTranscriptionInterim:   true,
	TopicTranscriptionFinal:     true,
	TopicMemoryUpdated:          true,
	TopicDebugPerformanceReport: true,
	TopicDebugLogRecord:         true,
	TopicEyeCommand:             true,
	TopicEyeStatus:              true,
	TopicCLIRouteMode:           true,
	TopicCLIRouteMusic:          true,
	TopicCLIRouteEye:            true,
	TopicCLIRouteDebug:          true,
}

// IsKnownTopic reports whether topic is registered centrally. Components
// that dynamically validate topics before emitting (e.g. WebBridge)
// use this to produce an error response instead of an ErrBadTopic log.
func IsKnownTopic(topic Topic) bool {
	return knownTopics[topic]
}

// KnownTopics returns every registered topic. The composition root
// uses this to fan every emit into TimelineExecutor.ObserveWaitForEvent,
// since a wait_for_event step's Event field can name any topic in the
// system (§3 Plan).
func KnownTopics() []Topic {
	out := make([]Topic, 0, len(knownTopics))
	for topic := range knownTopics {
		out = append(out, topic)
	}
	return out
}

// RegisterTopic adds a topic to the central registry. Intended for use
// by tests and by optional collaborators that need a private topic
// namespace; core topics above are always present.
func RegisterTopic(topic Topic) {
	knownTopics[topic] = true
}
