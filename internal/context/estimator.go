package context

import "sync"

// defaultCharsPerToken overestimates for typical English text, so the local
// budget check trips slightly before the provider would.
const defaultCharsPerToken = 4.0

// smoothing is the weight of a new observation in the running ratio.
const smoothing = 0.3

// CharEstimator estimates token counts from character counts. The ratio is
// recalibrated from the provider's reported input tokens.
type CharEstimator struct {
	mu            sync.Mutex
	charsPerToken float64
	observations  int
}

// NewCharEstimator returns an estimator using the default ratio.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{charsPerToken: defaultCharsPerToken}
}

// EstimateTokens returns the estimated token count of messages, rounded up.
func (e *CharEstimator) EstimateTokens(messages []Message) int {
	e.mu.Lock()
	ratio := e.charsPerToken
	e.mu.Unlock()
	return int(float64(charCount(messages))/ratio) + 1
}

// RecordUsage folds the provider's actual input token count for messages
// into the ratio. The first observation replaces the default outright.
func (e *CharEstimator) RecordUsage(messages []Message, inputTokens int) {
	if inputTokens <= 0 {
		return
	}
	chars := charCount(messages)
	if chars == 0 {
		return
	}
	observed := float64(chars) / float64(inputTokens)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.observations++
	if e.observations == 1 {
		e.charsPerToken = observed
		return
	}
	e.charsPerToken = smoothing*observed + (1-smoothing)*e.charsPerToken
}

func charCount(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len([]rune(m.Content)) + len(m.Role)
	}
	return n
}
