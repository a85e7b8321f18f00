package models

// DirectiveAction is the verb of a UI directive.
type DirectiveAction string

const (
	DirectiveShow   DirectiveAction = "show"
	DirectiveUpdate DirectiveAction = "update"
	DirectiveHide   DirectiveAction = "hide"
	DirectiveRemove DirectiveAction = "remove"
)

// Panel names one client surface a directive targets.
type Panel string

const (
	PanelVoiceSession   Panel = "voice_session"
	PanelTranscript     Panel = "transcript"
	PanelAIResponse     Panel = "ai_response"
	PanelError          Panel = "error"
	PanelRichContent    Panel = "rich_content"
	PanelGeneratedMedia Panel = "generated_media"
	PanelNote           Panel = "note"
)

// UIDirective instructs connected clients to change what they display.
type UIDirective struct {
	Action    DirectiveAction `json:"action"`
	Panel     Panel           `json:"panel"`
	SessionID string          `json:"session_id,omitempty"`
	NoteID    string          `json:"note_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}
