package context

// StandardAssembler appends the user message to the transcript.
type StandardAssembler struct{}

// Assemble builds the final message list: transcript + user.
func (a *StandardAssembler) Assemble(transcript []Message, userMsg string) []Message {
	messages := make([]Message, 0, len(transcript)+1)
	messages = append(messages, transcript...)
	messages = append(messages, Message{Role: RoleUser, Content: userMsg})
	return messages
}
