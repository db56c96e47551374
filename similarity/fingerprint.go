package similarity

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/redteamnet/arbiter/types"
)

// blockKind classifies a control-flow block. Identifiers, literals and
// formatting never reach the fingerprint; only structure does.
type blockKind byte

const (
	kindBranch blockKind = iota
	kindLoop
	kindCall
	kindReturn
)

var keywordKinds = map[string]blockKind{
	"if":     kindBranch,
	"elif":   kindBranch,
	"else":   kindBranch,
	"switch": kindBranch,
	"case":   kindBranch,
	"match":  kindBranch,
	"for":    kindLoop,
	"while":  kindLoop,
	"do":     kindLoop,
	"return": kindReturn,
	"yield":  kindReturn,
	"raise":  kindReturn,
	"throw":  kindReturn,
}

// Fingerprint is the similarity identity of a piece of source code:
// the set of k-gram hashes over its control-flow block sequence.
type Fingerprint struct {
	grams map[uint64]struct{}
}

const gramSize = 4

// Extract builds a fingerprint from source code. The sequence of
// control-flow blocks (branches, loops, calls, returns) is hashed in
// overlapping k-grams, which makes the result invariant to renaming,
// comments and whitespace while staying sensitive to structure.
func Extract(code string) (*Fingerprint, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: empty source", types.ErrFingerprint)
	}
	blocks := extractBlocks(code)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no control flow found", types.ErrFingerprint)
	}

	fp := &Fingerprint{grams: make(map[uint64]struct{})}
	if len(blocks) < gramSize {
		fp.grams[hashGram(blocks)] = struct{}{}
		return fp, nil
	}
	for i := 0; i+gramSize <= len(blocks); i++ {
		fp.grams[hashGram(blocks[i:i+gramSize])] = struct{}{}
	}
	return fp, nil
}

// Similarity returns the Jaccard index of the two fingerprints' gram
// sets, in [0, 1]. It is symmetric and equals 1 for identical code.
func (f *Fingerprint) Similarity(other *Fingerprint) float64 {
	if len(f.grams) == 0 || len(other.grams) == 0 {
		return 0
	}
	small, large := f.grams, other.grams
	if len(small) > len(large) {
		small, large = large, small
	}
	var shared int
	for g := range small {
		if _, ok := large[g]; ok {
			shared++
		}
	}
	union := len(f.grams) + len(other.grams) - shared
	return float64(shared) / float64(union)
}

func hashGram(blocks []blockKind) uint64 {
	h := fnv.New64a()
	for _, b := range blocks {
		h.Write([]byte{byte(b)})
	}
	return h.Sum64()
}

// extractBlocks tokenizes the source with comments and string literals
// stripped and maps control-flow keywords and call sites to blocks.
func extractBlocks(code string) []blockKind {
	var blocks []blockKind
	tokens := tokenize(stripNoise(code))
	for i, tok := range tokens {
		if kind, ok := keywordKinds[tok]; ok {
			blocks = append(blocks, kind)
			continue
		}
		// An identifier directly followed by '(' is a call site,
		// unless it is a declaration keyword.
		if isIdent(tok) && i+1 < len(tokens) && tokens[i+1] == "(" {
			switch tok {
			case "def", "func", "function", "fn":
			default:
				blocks = append(blocks, kindCall)
			}
		}
	}
	return blocks
}

func isIdent(tok string) bool {
	for i, r := range tok {
		if unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return len(tok) > 0
}

func tokenize(code string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range code {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			tokens = append(tokens, string(r))
		}
	}
	flush()
	return tokens
}

// stripNoise removes line comments (#, //) and quoted string literals,
// which carry no structure and would otherwise leak identifiers into
// call detection.
func stripNoise(code string) string {
	var out strings.Builder
	runes := []rune(code)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			out.WriteRune('\n')
		case r == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			out.WriteRune('\n')
		case r == '"' || r == '\'' || r == '`':
			quote := r
			i++
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '\\' {
					i++
				}
				i++
			}
			out.WriteRune(' ')
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}
