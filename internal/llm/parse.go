package llm

import (
	"errors"
	"fmt"
)

// ErrNoJSON is returned when model output contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in completion")

// ExtractJSONObject returns the first balanced JSON object embedded in model
// output. Models wrap structured answers in prose or code fences often
// enough that strict whole-string parsing is not an option.
func ExtractJSONObject(s string) ([]byte, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if start == -1 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(s[start : i+1]), nil
			}
		}
	}
	if start != -1 {
		return nil, fmt.Errorf("unterminated JSON object in completion: %w", ErrNoJSON)
	}
	return nil, ErrNoJSON
}
