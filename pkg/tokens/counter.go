// Package tokens provides relay.TokenCounter implementations backed by BPE codecs.
package tokens

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// TiktokenCounter counts tokens with an offline BPE codec.
type TiktokenCounter struct {
	codec tokenizer.Codec
	name  string
}

var _ relay.TokenCounter = &TiktokenCounter{}

// EncodingForModel picks a codec name for a model id. Unknown models fall back to cl100k_base.
func EncodingForModel(model string) string {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "gpt-4.1"):
		return string(tokenizer.O200kBase)
	case strings.HasPrefix(m, "text-davinci-002"), strings.HasPrefix(m, "text-davinci-003"):
		return string(tokenizer.P50kBase)
	default:
		return string(tokenizer.Cl100kBase)
	}
}

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "tokens: load codec %s", encoding)
	}
	return &TiktokenCounter{codec: codec, name: encoding}, nil
}

func (c *TiktokenCounter) Encoding() string { return c.name }

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		log.Debug().Str("component", "tokens").Err(err).Msg("encode failed, falling back to estimate")
		return relay.ApproxCounter{}.Count(text)
	}
	return len(ids)
}

// NewCounter returns the counter named by kind: "approx" or "tiktoken".
func NewCounter(kind string, model string) (relay.TokenCounter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "approx":
		return relay.ApproxCounter{}, nil
	case "tiktoken":
		return NewTiktokenCounter(EncodingForModel(model))
	default:
		return nil, errors.Errorf("tokens: unknown counter %q", kind)
	}
}
