package moderation

import (
	"regexp"
	"strings"
)

var (
	// urlPattern matches scheme and www. links. Bare domains need a path so
	// "v2.0" and "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567 and 555.123.4567
	// standing alone between whitespace. Room codes and scores are too short.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecksFor returns the enabled checks in evaluation order. The first
// match wins.
func spamChecksFor(config Config) []spamCheck {
	var checks []spamCheck
	if config.BlockURLs {
		checks = append(checks, spamCheck{name: "url", match: urlPattern.MatchString})
	}
	if config.BlockPhones {
		checks = append(checks, spamCheck{name: "phone", match: phonePattern.MatchString})
	}
	if config.BlockFloods {
		checks = append(checks,
			spamCheck{name: "char_flood", match: hasCharFlood},
			spamCheck{name: "word_flood", match: hasWordFlood},
		)
	}
	return checks
}

const (
	charFloodRun = 5
	wordFloodRun = 3
)

// hasCharFlood reports charFloodRun identical runes in a row. RE2 has no
// backreferences, so this is a scan rather than a pattern.
func hasCharFlood(text string) bool {
	return hasRun([]rune(text), charFloodRun)
}

// hasWordFlood reports wordFloodRun repeats of the same word, ignoring case.
func hasWordFlood(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	return hasRun(words, wordFloodRun)
}

// hasRun reports whether items holds n equal neighbours in a row.
func hasRun[T comparable](items []T, n int) bool {
	if len(items) < n {
		return false
	}
	run := 1
	for i := 1; i < len(items); i++ {
		if items[i] != items[i-1] {
			run = 1
			continue
		}
		if run++; run >= n {
			return true
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range f.spam {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpamPattern, Term: sc.name}
		}
	}
	return FilterResult{}
}
