package assembler

import "strings"

// decorativeMarkerSet is one multi-marker signature for a third-party
// API's cosmetic wrapping of a server tool call. Requiring every marker in
// a set (rather than any single one) avoids false-positive drops on
// ordinary assistant text that happens to mention one of these strings.
type decorativeMarkerSet struct {
	markers []string
}

// decorativeMarkerSets is table-driven per §9's open question ("the set may
// drift") so a new provider's wrapping format is one entry, not an
// algorithm change.
var decorativeMarkerSets = []decorativeMarkerSet{
	{markers: []string{"Z.ai Built-in Tool:", "**Input:**", "```json"}},
}

const (
	decorativeMinLen = 50
	decorativeMaxLen = 5000
)

// isDecorative reports whether a text chunk should be dropped from both
// broadcast and persisted content: its length must fall in the observed
// window, and it must contain every marker of at least one marker set.
func isDecorative(text string) bool {
	n := len(text)
	if n < decorativeMinLen || n > decorativeMaxLen {
		return false
	}
	for _, set := range decorativeMarkerSets {
		matched := true
		for _, m := range set.markers {
			if !strings.Contains(text, m) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// strippedToolPrefixes are tool-name prefixes whose result text is replaced
// by toolResultSentinel in outbound events and on persistence, while the
// in-memory result stays intact so the subprocess's own context window is
// unaffected. These are automation tools that tend to return opaque binary
// blobs (screenshots, recordings) that are useless to render and wasteful
// to persist twice.
var strippedToolPrefixes = []string{
	"mcp__playwright__",
	"mcp__puppeteer__",
}

const toolResultSentinel = "[tool output omitted]"

func shouldStripToolResult(toolName string) bool {
	for _, prefix := range strippedToolPrefixes {
		if strings.HasPrefix(toolName, prefix) {
			return true
		}
	}
	return false
}
