package guard

import "encoding/json"

// ChatRequest is one message submitted to the guarded chat system. A new
// session ID per request keeps conversations isolated from each other.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse mirrors the chat system's reply shape: the response text plus
// the engine's own verdict on whether the message was blocked by a rail.
type ChatResponse struct {
	Response  string `json:"response"`
	Blocked   bool   `json:"blocked"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
}

type APIErrorEnvelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type APIError struct {
	StatusCode int
	Envelope   APIErrorEnvelope
	Body       []byte
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Envelope.Error != "" {
		if e.Envelope.Detail != "" {
			return e.Envelope.Error + ": " + e.Envelope.Detail
		}
		return e.Envelope.Error
	}
	return string(e.Body)
}

func ParseAPIErrorEnvelope(body []byte) (APIErrorEnvelope, bool) {
	var envelope APIErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return APIErrorEnvelope{}, false
	}
	if envelope.Error == "" {
		return APIErrorEnvelope{}, false
	}
	return envelope, true
}
