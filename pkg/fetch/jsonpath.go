package fetch

import (
	"math/rand"
	"strconv"
	"strings"
)

// pathToken is one step of a nested extraction rule: a map key, a numeric
// list index, or the empty-bracket wildcard.
type pathToken struct {
	key      string
	index    int
	isIndex  bool
	wildcard bool
}

// tokenizePath splits a rule like "data.items[0].url" or "list[]" into
// tokens. Unterminated brackets degrade to a literal key.
func tokenizePath(rule string) []pathToken {
	var tokens []pathToken
	i := 0
	for i < len(rule) {
		switch rule[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(rule[i:], ']')
			if end < 0 {
				tokens = append(tokens, pathToken{key: rule[i:]})
				return tokens
			}
			inner := rule[i+1 : i+end]
			switch {
			case inner == "":
				tokens = append(tokens, pathToken{wildcard: true})
			default:
				if n, err := strconv.Atoi(inner); err == nil {
					tokens = append(tokens, pathToken{index: n, isIndex: true})
				} else {
					tokens = append(tokens, pathToken{key: inner})
				}
			}
			i += end + 1
		default:
			end := strings.IndexAny(rule[i:], ".[")
			if end < 0 {
				tokens = append(tokens, pathToken{key: rule[i:]})
				return tokens
			}
			if end > 0 {
				tokens = append(tokens, pathToken{key: rule[i : i+end]})
			}
			i += end
		}
	}
	return tokens
}

// ExtractPath walks a decoded JSON value by the rule grammar. Map steps look
// up keys, list steps take a numeric index, and the empty-bracket wildcard
// picks a random element mid-path or returns the whole list when terminal.
// Any missing step resolves to an empty string, never an error.
func ExtractPath(data any, rule string) any {
	tokens := tokenizePath(rule)
	value := data

	for i, tok := range tokens {
		switch node := value.(type) {
		case map[string]any:
			key := tok.key
			if tok.isIndex {
				key = strconv.Itoa(tok.index)
			}
			next, ok := node[key]
			if !ok {
				return ""
			}
			value = next
		case []any:
			switch {
			case tok.wildcard:
				if len(node) == 0 {
					return ""
				}
				if i == len(tokens)-1 {
					return node
				}
				value = node[rand.Intn(len(node))] //nolint:gosec // random sampling, not crypto
			case tok.isIndex:
				if tok.index < 0 || tok.index >= len(node) {
					return ""
				}
				value = node[tok.index]
			default:
				return ""
			}
		default:
			return ""
		}
	}
	return value
}
