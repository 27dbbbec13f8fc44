package context

// StandardAssembler puts the system instruction in front of the history.
type StandardAssembler struct{}

// Assemble builds the final message list: system + history. The user's
// latest message is expected to already be the last history entry.
func (a *StandardAssembler) Assemble(system string, history []Message) []Message {
	messages := make([]Message, 0, 1+len(history))
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	return messages
}
