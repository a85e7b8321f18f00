package models

import "time"

// VoiceSessionStatus represents the lifecycle status of a voice session.
type VoiceSessionStatus string

const (
	VoiceSessionActive    VoiceSessionStatus = "active"
	VoiceSessionCompleted VoiceSessionStatus = "completed"
	VoiceSessionError     VoiceSessionStatus = "error"
)

// IsTerminal reports whether the status admits no further transitions.
func (s VoiceSessionStatus) IsTerminal() bool {
	return s == VoiceSessionCompleted || s == VoiceSessionError
}

// VoiceSession is one voice interaction from start to termination. It is
// born active and moves exactly once to completed or error.
type VoiceSession struct {
	ID            string             `json:"id"`
	ConnectionID  string             `json:"connection_id"`
	UserID        string             `json:"user_id"`
	Status        VoiceSessionStatus `json:"status"`
	AudioFormat   string             `json:"audio_format,omitempty"`
	TotalDuration float64            `json:"total_duration"`
	MessageCount  int                `json:"message_count"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// VoiceSessionPatch carries a partial update. Nil fields are left
// untouched.
type VoiceSessionPatch struct {
	TotalDuration *float64            `json:"total_duration,omitempty"`
	MessageCount  *int                `json:"message_count,omitempty"`
	Status        *VoiceSessionStatus `json:"status,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p VoiceSessionPatch) IsEmpty() bool {
	return p.TotalDuration == nil && p.MessageCount == nil && p.Status == nil
}
