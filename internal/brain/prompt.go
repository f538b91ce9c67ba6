package brain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/llm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

var fillers = map[string]struct{}{
	"um": {}, "uh": {}, "hmm": {}, "hm": {}, "ah": {},
	"oh": {}, "er": {}, "like": {}, "so": {}, "and": {},
}

// ValidCapture rejects empty transcripts and lone filler words.
func ValidCapture(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r > 127)
	})
	if len(words) == 0 {
		return false
	}
	if len(words) == 1 {
		if _, ok := fillers[words[0]]; ok {
			return false
		}
	}
	return true
}

const basePrompt = `You are a concise voice assistant. Answer in one or two short spoken sentences without markdown.
When the user asks you to do something one of the tools below can do, answer with only a JSON object:
{"reply": "<short confirmation>", "intents": [{"tool": "<name>", "args": {...}}]}
Use at most %d intents and only the listed tools. Otherwise answer in plain text.`

func (b *Brain) systemPrompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, basePrompt, tools.MaxIntents)
	catalog := b.engine.Registry().Catalog()
	if len(catalog) == 0 {
		return sb.String()
	}
	sb.WriteString("\n\nTools:\n")
	for _, info := range catalog {
		fmt.Fprintf(&sb, "- %s: %s", info.Name, info.Description)
		if props, ok := info.ArgsSchema["properties"].(map[string]any); ok && len(props) > 0 {
			if raw, err := json.Marshal(props); err == nil {
				fmt.Fprintf(&sb, " args=%s", raw)
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

type modelPlan struct {
	Reply   string         `json:"reply"`
	Intents []tools.Intent `json:"intents"`
}

// parsePlan accepts a JSON plan, optionally wrapped in a code fence.
func parsePlan(out string) (modelPlan, bool) {
	s := strings.TrimSpace(out)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		return modelPlan{}, false
	}
	var mp modelPlan
	if err := json.Unmarshal([]byte(s), &mp); err != nil {
		return modelPlan{}, false
	}
	return mp, true
}

// remember appends a user/assistant exchange, keeping the last HistoryTurns.
func (b *Brain) remember(user, assistant string) {
	if user == "" || assistant == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history,
		llm.Message{Role: "user", Content: user},
		llm.Message{Role: "assistant", Content: assistant},
	)
	if limit := 2 * b.cfg.HistoryTurns; len(b.history) > limit {
		b.history = append([]llm.Message(nil), b.history[len(b.history)-limit:]...)
	}
}

func (b *Brain) recentHistory() []llm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]llm.Message(nil), b.history...)
}
