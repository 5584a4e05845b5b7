package failureindex

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// tokenCounter lazily loads a cl100k_base encoder once; FailureContext
// messages are short enough that re-encoding per Add is cheap, but the
// BPE merge table itself is worth loading only once per process.
var (
	tokenCounterOnce sync.Once
	tokenCounter     *tiktoken.Tiktoken
)

func countTokens(s string) int {
	tokenCounterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenCounter = enc
		}
	})
	if tokenCounter == nil {
		// encoder failed to load (e.g. no network for its bpe rank file on
		// first run in an offline environment); fall back to a rough
		// characters-per-token estimate rather than failing Add.
		return len(s) / 4
	}
	return len(tokenCounter.Encode(s, nil, nil))
}
