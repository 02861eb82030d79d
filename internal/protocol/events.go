package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageID is a caller-supplied request id. Clients send either a string or
// a number; both decode to the same textual form.
type MessageID string

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("messageId must be a string or number: %w", err)
	}
	*id = MessageID(n.String())
	return nil
}

// MarshalJSON writes an absent id as null.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

type Connected struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

type Status struct {
	Listening       bool      `json:"listening"`
	Device          string    `json:"device"`
	ModelsLoaded    bool      `json:"models_loaded"`
	TTSQueueSize    int       `json:"tts_queue_size"`
	IsProcessingTTS bool      `json:"is_processing_tts"`
	CurrentTTSID    MessageID `json:"current_tts_id"`
}

type Ack struct {
	Status string `json:"status"`
}

type SpeechRecognized struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type SpeechGenerated struct {
	AudioData []byte    `json:"audio_data"`
	Text      string    `json:"text"`
	MessageID MessageID `json:"message_id"`
}

type SpeechError struct {
	Error     string    `json:"error"`
	MessageID MessageID `json:"message_id"`
}

type TTSStreamStart struct {
	TotalSentences int       `json:"total_sentences"`
	Text           string    `json:"text"`
	MessageID      MessageID `json:"message_id"`
}

type TTSStreamChunk struct {
	AudioData   []byte    `json:"audio_data"`
	Text        string    `json:"text"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	IsFinal     bool      `json:"is_final"`
	MessageID   MessageID `json:"message_id"`
}

type TTSStreamComplete struct {
	Text        string    `json:"text"`
	TotalChunks int       `json:"total_chunks"`
	MessageID   MessageID `json:"message_id"`
}

type TTSStreamError struct {
	Error     string    `json:"error"`
	MessageID MessageID `json:"message_id"`
}

type TTSStopped struct {
	Message string `json:"message"`
}

type GGWaveSent struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
}

type GGWaveError struct {
	Error string `json:"error"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
