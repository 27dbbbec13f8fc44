package context

// SimpleCompressor keeps only the last MaxMessages messages.
type SimpleCompressor struct {
	MaxMessages int
}

// Compress truncates messages to the most recent MaxMessages entries.
// The returned slice never shares its backing array with the input when
// entries were dropped, so evicted turns can be collected.
func (c *SimpleCompressor) Compress(messages []Message) []Message {
	if c.MaxMessages <= 0 || len(messages) <= c.MaxMessages {
		return messages
	}
	kept := make([]Message, c.MaxMessages)
	copy(kept, messages[len(messages)-c.MaxMessages:])
	return kept
}
