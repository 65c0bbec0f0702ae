package dispatch

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoRecipients is returned when a notify request names neither users nor a token.
var ErrNoRecipients = errors.New("missing_recipients")

// NotifyRequest is the wire shape of a notify call, shared by the HTTP surface and the Pub/Sub ingestion.
// Either UserIDs or Token must be set; Token selects a direct single-token send.
type NotifyRequest struct {
	UserIDs  []string                   `json:"userIds,omitempty"`
	Token    string                     `json:"token,omitempty"`
	Provider Provider                   `json:"provider,omitempty"`
	Platform Platform                   `json:"platform,omitempty"`
	Keys     *WebPushKeys               `json:"keys,omitempty"`
	Title    string                     `json:"title"`
	Body     string                     `json:"body"`
	Data     map[string]json.RawMessage `json:"data,omitempty"`
}

// Validate checks that the request has somewhere to go.
func (r *NotifyRequest) Validate() error {
	if strings.TrimSpace(r.Token) != "" {
		return nil
	}
	for _, id := range r.UserIDs {
		if strings.TrimSpace(id) != "" {
			return nil
		}
	}
	return ErrNoRecipients
}

// Direct reports whether the request targets a single token instead of users.
func (r *NotifyRequest) Direct() bool {
	return strings.TrimSpace(r.Token) != ""
}

// Message flattens the request into adapter content. Providers only accept string data values,
// so non-string JSON values are passed as their JSON text.
func (r *NotifyRequest) Message() Message {
	msg := Message{Title: r.Title, Body: r.Body}
	if len(r.Data) == 0 {
		return msg
	}
	msg.Data = make(map[string]string, len(r.Data))
	for k, raw := range r.Data {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			msg.Data[k] = s
			continue
		}
		msg.Data[k] = string(raw)
	}
	return msg
}
