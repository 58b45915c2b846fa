package utils

import "strings"

// SanitizeIdentifier makes a free-form string safe for git branch names
// and filesystem paths. Characters git refuses in refnames are replaced
// with dashes and the result is lowercased.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ToLower(strings.TrimSpace(id))
	for _, bad := range []string{":", " ", "/", "\\", "~", "^", "?", "*", "[", "..", "@{"} {
		sanitized = strings.ReplaceAll(sanitized, bad, "-")
	}
	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	return strings.Trim(sanitized, "-.")
}

// BranchName builds the story branch name from a title and story id,
// keeping the ref short enough to stay readable in worktree listings.
func BranchName(title, storyID string) string {
	slug := SanitizeIdentifier(title)
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	short := storyID
	if len(short) > 8 {
		short = short[:8]
	}
	if slug == "" {
		return "story-" + short
	}
	return "story-" + short + "-" + slug
}
