// Package context holds the transcript types exchanged with the completion
// service and the policies that shape a transcript before it is sent.
package context

// Compressor reduces a transcript after the service rejected it as too large.
type Compressor interface {
	Compress(messages []Message) []Message
}

// Assembler combines a transcript and a new user message into the message
// list sent to a provider.
type Assembler interface {
	Assemble(transcript []Message, userMsg string) []Message
}
