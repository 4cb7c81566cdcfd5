package privacy

import (
	"regexp"
	"strings"
)

// privateTagRegex matches <private>...</private> blocks (non-greedy, dotall).
var privateTagRegex = regexp.MustCompile(`(?is)<private>.*?</private>`)

// SkipReason is reported when a store request held nothing but private text.
const SkipReason = "content_private"

// StripPrivateTags removes all <private>...</private> blocks from content.
func StripPrivateTags(content string) string {
	return strings.TrimSpace(privateTagRegex.ReplaceAllString(content, ""))
}

// Clean strips private blocks and reports whether anything worth keeping
// remains. Content without private blocks is returned unchanged.
func Clean(content string) (string, bool) {
	if !privateTagRegex.MatchString(content) {
		return content, strings.TrimSpace(content) != ""
	}
	cleaned := StripPrivateTags(content)
	return cleaned, cleaned != ""
}

// HasOnlyPrivateContent reports whether content contains private blocks and
// nothing else once they are removed.
func HasOnlyPrivateContent(content string) bool {
	return privateTagRegex.MatchString(content) && StripPrivateTags(content) == ""
}
