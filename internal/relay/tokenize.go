package relay

import "unicode"

// Tokenize splits s into word tokens for simulated streaming. Each token
// keeps the whitespace before its word, so concatenating the tokens gives
// back s exactly:
//
//	"Hello world foo" -> ["Hello", " world", " foo"]
//
// Trailing whitespace joins the last token and no token is empty.
func Tokenize(s string) []string {
	var (
		tokens    []string
		start     int
		prevSpace = true
		seenWord  bool
	)
	for i, r := range s {
		space := unicode.IsSpace(r)
		if space && !prevSpace && seenWord {
			tokens = append(tokens, s[start:i])
			start = i
			seenWord = false
		}
		if !space {
			seenWord = true
		}
		prevSpace = space
	}

	if start < len(s) {
		rest := s[start:]
		if !seenWord && len(tokens) > 0 {
			tokens[len(tokens)-1] += rest
		} else {
			tokens = append(tokens, rest)
		}
	}
	return tokens
}
