package codex

import (
	"encoding/json"

	"github.com/HyphaGroup/portcullis/internal/rpc"
)

const previewMaxLen = 100

// AgentMessageText returns the text of a completed agent message item.
// Only item-completed notifications whose item is an agentMessage carry
// one; everything else reports false.
func AgentMessageText(env *rpc.Envelope) (string, bool) {
	if env.Method != NoteItemCompleted && env.Method != "item.completed" {
		return "", false
	}
	var p struct {
		Item struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"item"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return "", false
	}
	if p.Item.Type != "agentMessage" {
		return "", false
	}
	return p.Item.Text, true
}

// FailureMessage extracts the reason from a turn failure notification,
// checking the error object at the top level and under the turn.
func FailureMessage(env *rpc.Envelope) string {
	var p struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Turn struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(env.Params, &p); err == nil {
		if p.Error.Message != "" {
			return p.Error.Message
		}
		if p.Turn.Error.Message != "" {
			return p.Turn.Error.Message
		}
	}
	return "turn failed"
}

// PreviewFromTurns derives a thread preview from raw turn history: the
// first agent message of the oldest turn, truncated.
func PreviewFromTurns(turns json.RawMessage) string {
	if len(turns) == 0 {
		return ""
	}
	var parsed []struct {
		Items []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"items"`
	}
	if err := json.Unmarshal(turns, &parsed); err != nil {
		return ""
	}
	for _, turn := range parsed {
		for _, item := range turn.Items {
			if item.Type == "agentMessage" && item.Text != "" {
				return truncate(item.Text, previewMaxLen)
			}
		}
	}
	return ""
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
