package moderation

// Result reasons.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// FilterResult is the outcome of Filter.Check. Term is the matched blocklist
// entry or the name of the spam check.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Term    string `json:"term,omitempty"`
}
