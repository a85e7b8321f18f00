package models

import "time"

// EventFamily names one topic family on the event plane.
type EventFamily string

const (
	FamilyVoiceSession EventFamily = "voice_session"
	FamilyChatMessage  EventFamily = "chat_message"
	FamilyNote         EventFamily = "note"
)

// Valid reports whether the family is one of the known topic families.
func (f EventFamily) Valid() bool {
	switch f {
	case FamilyVoiceSession, FamilyChatMessage, FamilyNote:
		return true
	default:
		return false
	}
}

// VoiceSessionPhase marks where in its lifecycle a voice session event
// was emitted.
type VoiceSessionPhase string

const (
	PhaseStarted       VoiceSessionPhase = "started"
	PhaseProcessing    VoiceSessionPhase = "processing"
	PhaseResponseReady VoiceSessionPhase = "response_ready"
	PhaseCompleted     VoiceSessionPhase = "completed"
	PhaseError         VoiceSessionPhase = "error"
)

// NoteAction is what happened to a note.
type NoteAction string

const (
	NoteCreated NoteAction = "created"
	NoteUpdated NoteAction = "updated"
	NoteDeleted NoteAction = "deleted"
)

// DomainEvent is the envelope published on the event plane. Exactly one
// of the payload pointers is set, matching Family.
type DomainEvent struct {
	ID        string      `json:"id"`
	Family    EventFamily `json:"family"`
	UserID    string      `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`

	VoiceSession *VoiceSessionEvent `json:"voice_session,omitempty"`
	ChatMessage  *ChatMessageEvent  `json:"chat_message,omitempty"`
	Note         *NoteEvent         `json:"note,omitempty"`
}

// VoiceSessionEvent is the payload for voice session lifecycle events.
type VoiceSessionEvent struct {
	SessionID        string            `json:"session_id"`
	Phase            VoiceSessionPhase `json:"phase"`
	Transcript       string            `json:"transcript,omitempty"`
	GeneratedContent string            `json:"generated_content,omitempty"`
	TotalDuration    float64           `json:"total_duration,omitempty"`
	MessageCount     int               `json:"message_count,omitempty"`
}

// ChatMessageEvent is the payload for chat message events.
type ChatMessageEvent struct {
	MessageID      string `json:"message_id"`
	SessionID      string `json:"session_id,omitempty"`
	Content        string `json:"content,omitempty"`
	RichContent    string `json:"rich_content,omitempty"`
	GeneratedMedia string `json:"generated_media,omitempty"`
}

// NoteEvent is the payload for note change events.
type NoteEvent struct {
	Action  NoteAction `json:"action"`
	NoteID  string     `json:"note_id"`
	Content string     `json:"content,omitempty"`
}
