package underwriter

import (
	"context"
	"time"

	"github.com/hupe1980/loanmesh/core"
)

// HumanInput is a reviewer's answer to a pending question.
type HumanInput struct {
	Answer string `json:"answer"`
	// Retry sends the session back to gathering for its unavailable sources
	// instead of deciding right away.
	Retry  bool   `json:"retry,omitempty"`
	Author string `json:"author,omitempty"`
}

// Prompt is a question surfaced by a ChannelHuman.
type Prompt struct {
	SessionID string
	Text      string
	At        time.Time
}

// ChannelHuman delivers prompts on a Go channel. Front ends read Prompts and
// answer through Engine.ProvideInput.
type ChannelHuman struct {
	prompts chan Prompt
}

var _ core.HumanChannel = (*ChannelHuman)(nil)

// NewChannelHuman returns a channel with the given buffer.
func NewChannelHuman(buffer int) *ChannelHuman {
	return &ChannelHuman{prompts: make(chan Prompt, buffer)}
}

// Prompt implements core.HumanChannel. It blocks while the buffer is full.
func (h *ChannelHuman) Prompt(ctx context.Context, sessionID, text string) error {
	select {
	case h.prompts <- Prompt{SessionID: sessionID, Text: text, At: time.Now().UTC()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prompts returns the stream of questions.
func (h *ChannelHuman) Prompts() <-chan Prompt { return h.prompts }
