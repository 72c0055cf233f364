package protocol

import "time"

// SpeakRequest asks the speech service to synthesize text. A new request
// cancels whatever utterance is currently in flight.
type SpeakRequest struct {
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StopRequest discards the current utterance and all buffered audio.
type StopRequest struct {
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SettingChange updates one synthesis setting. Setting names: "voice",
// "variant", "rate_boost", and "param" (which carries the engine
// parameter id in Param).
type SettingChange struct {
	Setting   string    `json:"setting"`
	Param     int       `json:"param,omitempty"`
	Value     int       `json:"value"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// DictionaryRequest loads a pronunciation dictionary pair into the engine.
type DictionaryRequest struct {
	MainPath string `json:"main_path"`
	RootPath string `json:"root_path"`
}

// AudioChunk carries synthesized PCM for one utterance, in order.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Utterance  uint32 `json:"utterance"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Bits       int    `json:"bits"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// MarkerEvent reports a position marker or terminal event within an
// utterance. Kind is one of "index", "done", "error".
type MarkerEvent struct {
	SessionID string    `json:"session_id"`
	Utterance uint32    `json:"utterance"`
	Kind      string    `json:"kind"`
	Value     int       `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent summarizes a finished utterance.
type StatusEvent struct {
	Node       string    `json:"node"`
	SessionID  string    `json:"session_id"`
	Utterance  uint32    `json:"utterance"`
	Reason     string    `json:"reason"`
	TextLen    int       `json:"text_len"`
	AudioBytes int       `json:"audio_bytes"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// FormatInfo answers a speech.format request with the engine's output
// format. Known is false until the first tapped capture reveals it.
type FormatInfo struct {
	SampleRate int    `json:"sample_rate"`
	Bits       int    `json:"bits"`
	Channels   int    `json:"channels"`
	Known      bool   `json:"known"`
	Variant    string `json:"variant"`
}

const (
	SubjectSpeechSay        = "speech.say"
	SubjectSpeechStop       = "speech.stop"
	SubjectSpeechSetting    = "speech.setting"
	SubjectSpeechDictionary = "speech.dictionary"
	SubjectSpeechAudio      = "speech.audio"
	SubjectSpeechMarker     = "speech.marker"
	SubjectSpeechStatus     = "speech.status"
	SubjectSpeechFormat     = "speech.format"
)
