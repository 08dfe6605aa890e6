package models

import "regexp"

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidSlug accepts lowercase kebab-case identifiers up to 128 chars.
func ValidSlug(slug string) bool {
	if slug == "" || len(slug) > 128 {
		return false
	}
	return slugPattern.MatchString(slug)
}
