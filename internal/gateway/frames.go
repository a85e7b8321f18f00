package gateway

import "encoding/json"

// wsFrame is the JSON frame exchanged over the websocket control plane.
// Requests carry Method and Params; responses echo the request ID with OK
// and Payload; server-pushed events carry Event and Payload.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsVoiceCreateParams struct {
	AudioFormat string `json:"audioFormat,omitempty"`
}

type wsVoiceUpdateParams struct {
	SessionID     string   `json:"sessionId"`
	TotalDuration *float64 `json:"totalDuration,omitempty"`
	MessageCount  *int     `json:"messageCount,omitempty"`
	Status        *string  `json:"status,omitempty"`
}

type wsVoiceSessionParams struct {
	SessionID string `json:"sessionId"`
}

type wsListParams struct {
	Limit int `json:"limit,omitempty"`
}

type wsPublishParams struct {
	Event json.RawMessage `json:"event"`
}
