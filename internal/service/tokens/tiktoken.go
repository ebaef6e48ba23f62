package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// TiktokenCounter counts with a BPE encoding. Models tiktoken does not know
// (most OpenRouter ids) use cl100k_base.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("loading %s encoding: %w", fallbackEncoding, err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NewCounter builds the counter named by kind ("estimate" or "tiktoken").
// A tiktoken load failure falls back to the estimator.
func NewCounter(kind, model string) (Counter, error) {
	switch kind {
	case "", "estimate":
		return Estimator{}, nil
	case "tiktoken":
		c, err := NewTiktokenCounter(model)
		if err != nil {
			return Estimator{}, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown token counter %q", kind)
	}
}
