package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyCompletion = errors.New("empty completion")

const systemPrompt = "You are the %s agent of Colony OS. Reply with a single JSON object and nothing else."

// Complete sends prompt to p and returns the reply as JSON. Replies that are
// not JSON are wrapped as {"text": reply}.
func Complete(ctx context.Context, p Provider, agentType, prompt string) (json.RawMessage, error) {
	reply, err := p.Chat(ctx, []Message{
		{Role: "system", Content: fmt.Sprintf(systemPrompt, agentType)},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}
	return normalizeJSON(reply)
}

func normalizeJSON(reply string) (json.RawMessage, error) {
	s := strings.TrimSpace(reply)
	if s == "" {
		return nil, ErrEmptyCompletion
	}
	// models like to fence JSON in markdown
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if json.Valid([]byte(s)) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(s)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(map[string]string{"text": strings.TrimSpace(reply)})
}
