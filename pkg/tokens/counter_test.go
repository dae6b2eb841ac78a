package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

func TestTiktokenCounterCountsTokens(t *testing.T) {
	c, err := NewTiktokenCounter("")
	require.NoError(t, err)
	require.Equal(t, "cl100k_base", c.Encoding())
	require.Equal(t, 0, c.Count(""))

	n := c.Count("hello world")
	require.Greater(t, n, 0)
	require.Less(t, n, len("hello world"))

	long := strings.Repeat("token ", 100)
	require.Greater(t, c.Count(long), 50)
}

func TestEncodingForModel(t *testing.T) {
	require.Equal(t, "o200k_base", EncodingForModel("openai/gpt-4o-mini"))
	require.Equal(t, "cl100k_base", EncodingForModel("google/gemma-3-27b-it:free"))
	require.Equal(t, "p50k_base", EncodingForModel("text-davinci-003"))
}

func TestNewCounterKinds(t *testing.T) {
	c, err := NewCounter("", "")
	require.NoError(t, err)
	require.IsType(t, relay.ApproxCounter{}, c)

	c, err = NewCounter("tiktoken", "gpt-4")
	require.NoError(t, err)
	require.IsType(t, &TiktokenCounter{}, c)

	_, err = NewCounter("words", "")
	require.Error(t, err)
}

func TestTiktokenCounterDrivesTokenBudget(t *testing.T) {
	c, err := NewTiktokenCounter("cl100k_base")
	require.NoError(t, err)
	b := relay.NewTokenBudget(c.Count("short question"), c)
	b.MinTurns = 1
	out := b.Trim([]relay.Turn{
		{Role: relay.RoleUser, Content: strings.Repeat("long history ", 50)},
		{Role: relay.RoleUser, Content: "short question"},
	})
	require.Len(t, out, 1)
	require.Equal(t, "short question", out[0].Content)
}
