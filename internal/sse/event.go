// ABOUTME: Typed protocol events decoded from the chat response stream
// ABOUTME: Token, SourceList, SuggestionList and Terminator variants

package sse

// Kind identifies the variant of a decoded protocol event.
type Kind int

const (
	// KindToken is an incremental fragment of assistant output.
	KindToken Kind = iota
	// KindSourceList carries web-search citations, at most one per stream.
	KindSourceList
	// KindSuggestionList carries follow-up prompts, at most one per stream.
	KindSuggestionList
	// KindTerminator is the explicit end-of-stream sentinel.
	KindTerminator
)

// String returns the wire name of the event kind.
func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindSourceList:
		return "source_list"
	case KindSuggestionList:
		return "suggestion_list"
	case KindTerminator:
		return "terminator"
	default:
		return "unknown"
	}
}

// Source is a single web-search citation.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Event is one decoded protocol event. Exactly the fields for its Kind are
// populated; the rest are zero values.
type Event struct {
	Kind        Kind
	Text        string   // KindToken
	Sources     []Source // KindSourceList
	Suggestions []string // KindSuggestionList
}
