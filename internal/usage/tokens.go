package usage

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// tokenEstimationThreshold bounds the string length fed to the BPE encoder.
// Larger payloads fall back to the chars/4 heuristic to cap memory use.
const tokenEstimationThreshold = 1 << 20

var (
	codecCache   = make(map[tokenizer.Encoding]tokenizer.Codec)
	codecCacheMu sync.RWMutex
)

// CountTokens estimates the token count of text for the given model.
func CountTokens(model, text string) int64 {
	if text == "" {
		return 0
	}
	if len(text) > tokenEstimationThreshold {
		return heuristicTokens(text)
	}
	enc, err := getCodec(encodingForModel(model))
	if err != nil {
		return heuristicTokens(text)
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		return heuristicTokens(text)
	}
	return int64(len(ids))
}

func heuristicTokens(s string) int64 {
	return int64(len(s)+3) / 4
}

func getCodec(encoding tokenizer.Encoding) (tokenizer.Codec, error) {
	codecCacheMu.RLock()
	codec, ok := codecCache[encoding]
	codecCacheMu.RUnlock()
	if ok {
		return codec, nil
	}

	codecCacheMu.Lock()
	defer codecCacheMu.Unlock()

	if codec, ok := codecCache[encoding]; ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}
	codecCache[encoding] = codec
	return codec, nil
}

func encodingForModel(model string) tokenizer.Encoding {
	lower := strings.ToLower(model)

	switch {
	case strings.Contains(lower, "gpt-4o"),
		strings.Contains(lower, "gpt-5"),
		strings.Contains(lower, "o1"),
		strings.Contains(lower, "claude"):
		return tokenizer.O200kBase

	case strings.Contains(lower, "gpt-4"),
		strings.Contains(lower, "gpt-3.5"),
		strings.Contains(lower, "turbo"),
		strings.Contains(lower, "davinci"):
		return tokenizer.Cl100kBase

	default:
		return tokenizer.O200kBase
	}
}
