package processor

import (
	"strings"

	"inferd/pkg/types"
)

// Role headers of the chat prompt template.
const (
	headerSystem    = "### System:\n"
	headerHuman     = "### Human:\n"
	headerAssistant = "### Assistant:\n"
)

// BuildPrompt returns the text to generate from: the prompt when set,
// otherwise the messages rendered with the chat template and ending in an
// open assistant turn.
func BuildPrompt(req types.SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) != "" {
		return req.Prompt, nil
	}
	if len(req.Messages) == 0 {
		return "", ErrEmptyPrompt
	}
	return FormatMessages(req.Messages), nil
}

// FormatMessages renders chat messages. Unknown roles are treated as user
// turns.
func FormatMessages(msgs []types.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			b.WriteString(headerSystem)
		case "assistant":
			b.WriteString(headerAssistant)
		default:
			b.WriteString(headerHuman)
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	b.WriteString(headerAssistant)
	return b.String()
}
