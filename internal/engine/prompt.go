package engine

import (
	"strings"

	"orgbot/internal/domain"
	"orgbot/internal/retrieval"
)

// DefaultSystemPrompt is used when no engine.systemPrompt is configured.
const DefaultSystemPrompt = `You are the assistant on an organization's website.

## RULES
1. Answer questions about the organization using the reference material when it is given.
2. If the reference material does not cover the question, say so briefly and suggest contacting the organization.
3. Respond in the same language the user writes in.
4. Be accurate and concise.`

const contextSeparator = "\n\n---\n\n"

// contextBlock joins page text into one reference section of at most
// maxChars runes. Returns "" when there is nothing to add.
func contextBlock(pages []string, maxChars int) string {
	var parts []string
	for _, p := range pages {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return retrieval.Truncate(strings.Join(parts, contextSeparator), maxChars)
}

// buildMessages assembles the completion request: system prompt with any
// reference material, then recent history, then the user's text.
func buildMessages(systemPrompt, reference string, history []domain.Turn, userText string) []domain.Message {
	system := systemPrompt
	if reference != "" {
		system += "\n\n## Reference Material\n\n" + reference
	}

	msgs := make([]domain.Message, 0, len(history)+2)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: system})
	for _, t := range history {
		if t.Role != domain.RoleUser && t.Role != domain.RoleAssistant {
			continue
		}
		msgs = append(msgs, domain.Message{Role: t.Role, Content: t.Text})
	}
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: userText})
	return msgs
}

func refineInstruction(prior string) string {
	return "Refine this text so it is clearer, more accurate and more helpful. " +
		"Keep the meaning and reply with the refined text only.\n\n" + prior
}
