package context

// Roles used in conversation turns and assembled requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a model-agnostic chat message used across the context pipeline.
// A conversation turn is a Message with RoleUser or RoleAssistant.
type Message struct {
	Role    string
	Content string
}
