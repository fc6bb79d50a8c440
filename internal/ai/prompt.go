package ai

import (
	"strings"

	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

const preamble = "You are a helpful assistant in a chat conversation. " +
	"The conversation so far follows, one message per line, oldest first. " +
	"Reply to the last user message."

// BuildPrompt renders prior messages oldest to newest as "role: text" lines,
// followed by the current user message. The output depends only on its
// inputs.
func BuildPrompt(prior []models.Message, current string) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\n")
	for _, m := range prior {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	b.WriteString(string(models.RoleUser))
	b.WriteString(": ")
	b.WriteString(current)
	return b.String()
}
