// Package a2a implements the agent-to-agent protocol: the envelope shape,
// the transports that deliver envelopes, and the router that dispatches
// inbound requests to a capability registry and correlates outbound requests
// with their replies.
package a2a

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/loanmesh/core"
)

// Kind distinguishes requests from their replies.
type Kind string

const (
	KindRequest  Kind = "REQUEST"
	KindResponse Kind = "RESPONSE"
	KindError    Kind = "ERROR"
)

// Envelope is one protocol message.
//
// Capability is only set on requests and InReplyTo only on replies. SessionID
// names the logical session an exchange belongs to; a reply must carry the
// session of the request it answers.
type Envelope struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Sender     string         `json:"sender"`
	Recipient  string         `json:"recipient"`
	Capability string         `json:"capability,omitempty"`
	Payload    map[string]any `json:"payload"`
	InReplyTo  string         `json:"in_reply_to,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func now() time.Time {
	// Round(0) strips the monotonic reading so encoded envelopes compare equal.
	return time.Now().UTC().Round(0)
}

// NewRequest builds a REQUEST envelope with a fresh id.
func NewRequest(sender, recipient, capability string, payload map[string]any) *Envelope {
	return &Envelope{
		ID:         core.NewID(),
		Kind:       KindRequest,
		Sender:     sender,
		Recipient:  recipient,
		Capability: capability,
		Payload:    payload,
		Timestamp:  now(),
	}
}

// NewResponse builds the RESPONSE to req.
func NewResponse(req *Envelope, payload map[string]any) *Envelope {
	return &Envelope{
		ID:        core.NewID(),
		Kind:      KindResponse,
		Sender:    req.Recipient,
		Recipient: req.Sender,
		Payload:   payload,
		InReplyTo: req.ID,
		SessionID: req.SessionID,
		Timestamp: now(),
	}
}

// NewErrorReply builds the ERROR reply to req. The payload carries the
// protocol error as {code, message, details}.
func NewErrorReply(req *Envelope, err error) *Envelope {
	e, ok := core.AsError(err)
	if !ok {
		e = core.NewError(core.CodeHandlerFailure, "%v", err)
	}
	payload := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		payload["details"] = core.CloneMap(e.Details)
	}
	return &Envelope{
		ID:        core.NewID(),
		Kind:      KindError,
		Sender:    req.Recipient,
		Recipient: req.Sender,
		Payload:   payload,
		InReplyTo: req.ID,
		SessionID: req.SessionID,
		Timestamp: now(),
	}
}

// AsError decodes the protocol error carried by an ERROR envelope.
func (e *Envelope) AsError() *core.Error {
	code, _ := e.Payload["code"].(string)
	if code == "" {
		code = string(core.CodeProtocolFault)
	}
	msg, _ := e.Payload["message"].(string)
	out := &core.Error{Code: core.ErrorCode(code), Message: msg}
	if details, ok := e.Payload["details"].(map[string]any); ok {
		out.Details = core.CloneMap(details)
	}
	return out
}

func (e *Envelope) clone() *Envelope {
	c := *e
	c.Payload = core.CloneMap(e.Payload)
	return &c
}

// IsReply reports whether e is a RESPONSE or ERROR.
func (e *Envelope) IsReply() bool { return e.Kind == KindResponse || e.Kind == KindError }

// Validate checks the structural invariants of an envelope. Violations are
// ProtocolFault errors.
func (e *Envelope) Validate() error {
	fault := func(format string, args ...any) error {
		return core.NewError(core.CodeProtocolFault, format, args...).WithDetail("envelope_id", e.ID)
	}
	switch {
	case e.ID == "":
		return fault("envelope has no id")
	case e.Sender == "" || e.Recipient == "":
		return fault("envelope %s lacks sender or recipient", e.ID)
	}
	switch e.Kind {
	case KindRequest:
		if e.Capability == "" {
			return fault("request %s names no capability", e.ID)
		}
		if e.InReplyTo != "" {
			return fault("request %s carries in_reply_to", e.ID)
		}
	case KindResponse, KindError:
		if e.InReplyTo == "" {
			return fault("%s %s has no in_reply_to", e.Kind, e.ID)
		}
		if e.Capability != "" {
			return fault("%s %s carries a capability", e.Kind, e.ID)
		}
	default:
		return fault("envelope %s has unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

// Marshal encodes an envelope as JSON.
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates a JSON envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, core.WrapError(core.CodeProtocolFault, err, "malformed envelope: %v", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
