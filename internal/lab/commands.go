package lab

import (
	"encoding/base64"
	"time"
)

// Outbound command tags.
const (
	CommandLanguageChange = "language_change"
	CommandFrame          = "frame"
	CommandRequestState   = "request_state"
)

// LanguageChange tells the backend which language to use for hints and audio.
type LanguageChange struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

func NewLanguageChange(language string) LanguageChange {
	return LanguageChange{Type: CommandLanguageChange, Language: language}
}

// FrameSubmission carries one captured JPEG for detection.
type FrameSubmission struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Language  string `json:"language"`
	Timestamp int64  `json:"timestamp"`
}

func NewFrameSubmission(jpeg []byte, language string, at time.Time) FrameSubmission {
	return FrameSubmission{
		Type:      CommandFrame,
		Data:      base64.StdEncoding.EncodeToString(jpeg),
		Language:  language,
		Timestamp: at.UnixMilli(),
	}
}

// RequestState asks the backend to resend a full experiment_loaded frame.
type RequestState struct {
	Type string `json:"type"`
}

func NewRequestState() RequestState {
	return RequestState{Type: CommandRequestState}
}
