package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenBudgetLeavesSmallContextsAlone(t *testing.T) {
	b := NewTokenBudget(100, nil)
	in := []Turn{turn(RoleSystem, "sys"), turn(RoleUser, "hello")}
	require.Equal(t, in, b.Trim(in))
}

func TestTokenBudgetDropsOldestNonSystemTurns(t *testing.T) {
	b := NewTokenBudget(10, nil)
	long := strings.Repeat("a", 20) // 5 tokens
	in := []Turn{
		turn(RoleSystem, "s"),
		turn(RoleUser, long+"1"),
		turn(RoleAssistant, long+"2"),
		turn(RoleUser, long+"3"),
		turn(RoleAssistant, long+"4"),
	}
	out := b.Trim(in)
	require.Equal(t, []string{"s", long + "3", long + "4"}, contents(out))
	require.Len(t, in, 5)
}

func TestTokenBudgetKeepsMinimumTurns(t *testing.T) {
	b := NewTokenBudget(1, nil)
	in := []Turn{
		turn(RoleSystem, strings.Repeat("s", 400)),
		turn(RoleUser, strings.Repeat("u", 400)),
		turn(RoleAssistant, strings.Repeat("a", 400)),
		turn(RoleUser, strings.Repeat("v", 400)),
	}
	out := b.Trim(in)
	require.Len(t, out, 3)
	require.Equal(t, RoleSystem, out[0].Role)
	require.Equal(t, strings.Repeat("a", 400), out[1].Content)
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func TestTokenBudgetUsesCounter(t *testing.T) {
	b := NewTokenBudget(3, wordCounter{})
	in := []Turn{turn(RoleUser, "one two"), turn(RoleAssistant, "three four"), turn(RoleUser, "five")}
	b.MinTurns = 1
	require.Equal(t, []string{"three four", "five"}, contents(b.Trim(in)))
	require.Equal(t, 5, b.Count(in))
}

func TestNilTokenBudgetIsNoop(t *testing.T) {
	var b *TokenBudget
	in := []Turn{turn(RoleUser, strings.Repeat("x", 100000))}
	require.Equal(t, in, b.Trim(in))
}
