// Package budget enforces per-request token ceilings. Every request gets
// its own Budget; the retriever charges context chunks against it and the
// drafter charges the completion, so a single request can never exceed the
// configured token cap no matter how much content retrieval finds.
package budget

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrOverBudget is returned when a consume would push usage past the cap.
var ErrOverBudget = errors.New("token budget exceeded")

// DefaultMaxTokens is the per-request cap applied when a request does not
// specify its own.
const DefaultMaxTokens = 4096

// Budget tracks token consumption for a single request. It is safe for
// concurrent use, though the pipeline runs stages sequentially.
type Budget struct {
	mu   sync.Mutex
	max  int
	used int
}

// New returns a budget with the given cap. Non-positive caps fall back to
// DefaultMaxTokens.
func New(max int) *Budget {
	if max <= 0 {
		max = DefaultMaxTokens
	}
	return &Budget{max: max}
}

// CanConsume reports whether n tokens still fit without consuming them.
func (b *Budget) CanConsume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used+n <= b.max
}

// Consume charges n tokens against the budget. It either succeeds fully or
// leaves the budget untouched and returns ErrOverBudget.
func (b *Budget) Consume(n int) error {
	if n < 0 {
		return fmt.Errorf("negative token count %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.max {
		return fmt.Errorf("%w: used %d + requested %d > max %d", ErrOverBudget, b.used, n, b.max)
	}
	b.used += n
	return nil
}

// Remaining returns the unconsumed portion of the cap.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max - b.used
}

// Used returns tokens consumed so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Max returns the cap.
func (b *Budget) Max() int { return b.max }

// Reset zeroes consumption, keeping the cap.
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
}

// EstimateTokens approximates the token count of text as the whitespace
// word count scaled by 4/3, which overestimates for typical English prose.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words*4 + 2) / 3
}
