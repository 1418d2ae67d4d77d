package prompt

import (
	"fmt"
	"strings"
)

// Builder constructs the instruction text sent alongside each image.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type Builder struct{}

// TaggingParams defines inputs for a tagging instruction.
type TaggingParams struct {
	Vocabulary []string
	MaxTags    int
}

// BuildTaggingPrompt returns the instruction asking for a JSON array of tags
// drawn only from the vocabulary. Labels are deduplicated and normalized to
// lower case so the model never sees the same label twice.
func (b Builder) BuildTaggingPrompt(p TaggingParams) string {
	labels := b.normalizeLabels(p.Vocabulary)

	return fmt.Sprintf(
		"Tag the image using only labels from this list: %s. "+
			"Respond with a JSON array of at most %d labels, best matches first. "+
			"Respond with [] if nothing applies.",
		strings.Join(labels, ", "), p.MaxTags)
}

func (b Builder) normalizeLabels(vocabulary []string) []string {
	seen := make(map[string]bool, len(vocabulary))
	labels := make([]string, 0, len(vocabulary))
	for _, v := range vocabulary {
		l := strings.ToLower(strings.TrimSpace(v))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}
	return labels
}
