package context

// FirstLastCompressor keeps the first transcript entry (instructions) and the
// last one (most recent turn) and drops everything between them.
type FirstLastCompressor struct{}

// Compress returns a new slice; the input is never modified.
//
//	[]        -> []
//	[a]       -> [a]
//	[a, ..., z] -> [a, z]
func (c *FirstLastCompressor) Compress(messages []Message) []Message {
	switch len(messages) {
	case 0:
		return []Message{}
	case 1:
		return []Message{messages[0]}
	default:
		return []Message{messages[0], messages[len(messages)-1]}
	}
}
