package conversation

import (
	"sync"
	"unicode/utf8"
)

// defaultCharactersPerToken is the ratio used before any provider usage
// has been observed. It overestimates slightly for code-heavy content.
const defaultCharactersPerToken = 4.0

// defaultSmoothingFactor is the weight of a new observation in the
// running ratio.
const defaultSmoothingFactor = 0.3

// entryOverheadChars approximates role markers and JSON framing per entry.
const entryOverheadChars = 20

// Estimator turns entries into token costs.
type Estimator interface {
	EstimateEntry(e Entry) int
	RecordUsage(entries []Entry, actualInputTokens int64)
}

// CharEstimator estimates tokens from character counts with a ratio that
// calibrates itself from the input token counts providers report. It is
// safe for concurrent use by sessions sharing one adapter.
type CharEstimator struct {
	mu                 sync.RWMutex
	charactersPerToken float64
	smoothingFactor    float64
	observations       int
}

// NewCharEstimator returns an estimator starting at 4 characters/token.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{
		charactersPerToken: defaultCharactersPerToken,
		smoothingFactor:    defaultSmoothingFactor,
	}
}

// EstimateEntry rounds up so estimates err on the side of compacting.
func (c *CharEstimator) EstimateEntry(e Entry) int {
	chars := entryChars(e)
	c.mu.RLock()
	ratio := c.charactersPerToken
	c.mu.RUnlock()
	return int(float64(chars)/ratio) + 1
}

// RecordUsage folds an observed characters/token ratio into the running
// ratio. The first observation replaces the default outright.
func (c *CharEstimator) RecordUsage(entries []Entry, actualInputTokens int64) {
	if actualInputTokens <= 0 {
		return
	}
	chars := 0
	for i := range entries {
		chars += entryChars(entries[i])
	}
	if chars == 0 {
		return
	}
	observed := float64(chars) / float64(actualInputTokens)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations++
	if c.observations == 1 {
		c.charactersPerToken = observed
		return
	}
	c.charactersPerToken = c.smoothingFactor*observed + (1.0-c.smoothingFactor)*c.charactersPerToken
}

// Ratio returns the current characters-per-token calibration.
func (c *CharEstimator) Ratio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.charactersPerToken
}

func entryChars(e Entry) int {
	return utf8.RuneCountInString(e.String()) + entryOverheadChars
}
