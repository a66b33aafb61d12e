// Package moderation screens message content before it is appended to a
// topic. A Filter combines a keyword blocklist, matched on word boundaries
// and after leetspeak normalization, with spam pattern checks.
package moderation

import (
	"strings"
	"unicode"
)

// Config selects which checks a Filter runs.
type Config struct {
	Terms       []string // blocklist; multi-word entries match as phrases
	BlockURLs   bool
	BlockPhones bool
	BlockFloods bool // character and word flooding
}

// DefaultConfig returns the production filter settings.
func DefaultConfig() Config {
	return Config{
		Terms:       defaultBlocklist,
		BlockURLs:   true,
		BlockPhones: true,
		BlockFloods: true,
	}
}

// Filter is safe for concurrent use once built.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	spam    []spamCheck
}

// NewFilter builds a filter from DefaultConfig.
func NewFilter() *Filter {
	return NewFilterWithConfig(DefaultConfig())
}

// NewFilterWithTerms builds a filter with the given blocklist and every spam
// check enabled.
func NewFilterWithTerms(terms []string) *Filter {
	config := DefaultConfig()
	config.Terms = terms
	return NewFilterWithConfig(config)
}

// NewFilterWithConfig builds a filter from config.
func NewFilterWithConfig(config Config) *Filter {
	f := &Filter{
		words: make(map[string]struct{}),
		spam:  spamChecksFor(config),
	}
	for _, term := range config.Terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. The blocklist runs before the spam checks, so a
// blocked keyword is always reported as such.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = strings.TrimFunc(normalizeLeet(tok), notWordRune)
	}

	for _, tokens := range [][]string{plain, leet} {
		if term, ok := f.matchTokens(tokens); ok {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
		}
	}
	return f.checkSpamPatterns(text)
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for i, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
		for _, phrase := range f.phrases {
			if hasPrefixTokens(tokens[i:], phrase) {
				return strings.Join(phrase, " "), true
			}
		}
	}
	return "", false
}

func hasPrefixTokens(tokens, prefix []string) bool {
	if len(tokens) < len(prefix) {
		return false
	}
	for i := range prefix {
		if tokens[i] != prefix[i] {
			return false
		}
	}
	return true
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, notWordRune)
}

// tokenizeLeet splits on whitespace only, keeping symbols that may stand in
// for letters.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}

// defaultBlocklist covers slurs, self-harm incitement, sexual exploitation,
// extremism, threats and common scams.
var defaultBlocklist = []string{
	"nigger", "nigga", "faggot", "fag", "retard", "chink", "spic", "kike", "tranny",
	"kill yourself", "kys", "go die", "hang yourself", "slit your wrists",
	"child porn", "cp links", "send nudes", "nudes for sale", "underage nudes",
	"heil hitler", "white power", "gas the jews",
	"bomb threat", "i will kill you", "shoot up the school",
	"free bitcoin", "crypto giveaway", "double your money", "cash app flip",
}
