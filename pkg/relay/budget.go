package relay

// TokenCounter estimates how many model tokens a text costs.
type TokenCounter interface {
	Count(text string) int
}

// ApproxCounter charges one token per four bytes.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int { return len(text) / 4 }

// TokenBudget trims a context snapshot before it is sent to the backend. It never
// drops system turns and always keeps at least MinTurns of the others.
type TokenBudget struct {
	MaxTokens int
	MinTurns  int
	Counter   TokenCounter
}

const (
	DefaultMaxContextTokens = 4000
	DefaultMinContextTurns  = 2
)

func NewTokenBudget(maxTokens int, counter TokenCounter) *TokenBudget {
	if counter == nil {
		counter = ApproxCounter{}
	}
	return &TokenBudget{MaxTokens: maxTokens, MinTurns: DefaultMinContextTurns, Counter: counter}
}

func (b *TokenBudget) Count(turns []Turn) int {
	if b == nil {
		return 0
	}
	counter := b.Counter
	if counter == nil {
		counter = ApproxCounter{}
	}
	total := 0
	for _, t := range turns {
		total += counter.Count(t.Content)
	}
	return total
}

// Trim returns a new slice with the oldest non-system turns dropped until the
// total fits MaxTokens or only MinTurns of them remain.
func (b *TokenBudget) Trim(turns []Turn) []Turn {
	if b == nil || b.MaxTokens <= 0 {
		return turns
	}
	counter := b.Counter
	if counter == nil {
		counter = ApproxCounter{}
	}
	costs := make([]int, len(turns))
	total, regular := 0, 0
	for i, t := range turns {
		costs[i] = counter.Count(t.Content)
		total += costs[i]
		if t.Role != RoleSystem {
			regular++
		}
	}
	if total <= b.MaxTokens {
		return turns
	}

	drop := make([]bool, len(turns))
	for i, t := range turns {
		if total <= b.MaxTokens || regular <= b.MinTurns {
			break
		}
		if t.Role == RoleSystem {
			continue
		}
		drop[i] = true
		total -= costs[i]
		regular--
	}
	out := make([]Turn, 0, len(turns))
	for i, t := range turns {
		if !drop[i] {
			out = append(out, t)
		}
	}
	return out
}
