package mailstore

import (
	"fmt"
	"strings"
)

// NormalizeMessageID trims whitespace and surrounding angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// SyntheticMessageID builds a stable stand-in for headers that carry no
// Message-ID, so that they can still be indexed and deleted.
func SyntheticMessageID(folderURI string, key uint32) string {
	return fmt.Sprintf("%d@%s.mailindex.invalid", key, strings.ReplaceAll(folderURI, "/", "."))
}

// ReferenceChain merges the References list with In-Reply-To into a
// single ancestor chain, ordered oldest to newest. In-Reply-To is
// appended when the References list does not already end with it.
// Duplicates and self references are dropped, keeping the first
// occurrence.
func ReferenceChain(self string, references []string, inReplyTo []string) []string {
	self = NormalizeMessageID(self)
	seen := make(map[string]bool, len(references)+1)
	var chain []string

	add := func(id string) {
		id = NormalizeMessageID(id)
		if id == "" || id == self || seen[id] {
			return
		}
		seen[id] = true
		chain = append(chain, id)
	}

	for _, ref := range references {
		add(ref)
	}
	for _, ref := range inReplyTo {
		add(ref)
	}

	return chain
}
