package render

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/chatwidget/internal/types"
)

// Counter counts tokens of transcript text.
type Counter struct {
	tokenizer *tiktoken.Tiktoken
}

// Stats summarises the size of a conversation.
type Stats struct {
	Messages        int `json:"messages"`
	UserTokens      int `json:"user_tokens"`
	AssistantTokens int `json:"assistant_tokens"`
}

func (s Stats) Total() int {
	return s.UserTokens + s.AssistantTokens
}

// NewCounter selects the tokenizer for model, falling back to cl100k_base.
func NewCounter(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Counter{tokenizer: enc}, nil
}

func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Conversation counts the visible content of every message. Provider
// notices are not part of the exchange and are skipped.
func (c *Counter) Conversation(conv *types.Conversation) Stats {
	var s Stats
	if conv == nil {
		return s
	}
	for _, m := range conv.Messages {
		if m.Notice {
			continue
		}
		s.Messages++
		n := c.Count(m.Content)
		for _, ch := range m.Choices {
			n += c.Count(ch.Title)
		}
		if m.Role == types.RoleUser {
			s.UserTokens += n
		} else {
			s.AssistantTokens += n
		}
	}
	return s
}
