package context

// Compressor reduces a list of messages to fit within constraints.
type Compressor interface {
	Compress(messages []Message) []Message
}

// Assembler combines the system instruction and history into a final message list.
type Assembler interface {
	Assemble(system string, history []Message) []Message
}
