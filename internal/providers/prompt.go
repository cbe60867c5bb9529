package providers

import (
	"fmt"
	"strings"
)

// History returns every message before the latest one.
func (c Conversation) History() []Message {
	if len(c.Messages) <= 1 {
		return nil
	}
	return c.Messages[:len(c.Messages)-1]
}

// Latest returns the content of the final message.
func (c Conversation) Latest() string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[len(c.Messages)-1].Content
}

// FirstTurn reports whether the conversation has no prior history.
func (c Conversation) FirstTurn() bool {
	return len(c.Messages) <= 1
}

// framedMessage wraps the user's message with the persona instruction. Chat
// models see it on the first turn only; prompt models always need it.
func (c Conversation) framedMessage() string {
	persona := c.Persona
	if persona == "" {
		persona = "the character"
	}
	return fmt.Sprintf("%s\n\nUser said: \"%s\"\n\nRespond as %s according to the personality described above.",
		c.SystemPrompt, c.Latest(), persona)
}

// chatLatest is the text sent as the final user turn in the chat shape.
func (c Conversation) chatLatest() string {
	if c.FirstTurn() && c.SystemPrompt != "" {
		return c.framedMessage()
	}
	return c.Latest()
}

// flatPrompt renders the whole conversation as one prompt.
func (c Conversation) flatPrompt() string {
	var b strings.Builder
	history := c.History()
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			speaker := "User"
			if m.Role == RoleAssistant {
				speaker = c.Persona
				if speaker == "" {
					speaker = "Assistant"
				}
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString(c.framedMessage())
	return b.String()
}
