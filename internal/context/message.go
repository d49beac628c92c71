package context

// Transcript roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one transcript entry: the completion service's own record of
// instructions and turns, separate from the user-visible conversation log.
type Message struct {
	Role    string
	Content string
}
