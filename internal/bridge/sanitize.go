package bridge

import (
	"strings"

	"github.com/voxlabs/voxbridge/internal/engine"
)

// sanitizeText blanks characters the engine would read aloud as their
// literal names. Brackets and parentheses go for both variants; the backtick
// is the buffered variant's inline command prefix, so it is only blanked for
// the tapped variant.
func sanitizeText(text string, variant engine.Variant) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '(', ')', '[', ']', '{', '}':
			return ' '
		case '`':
			if variant == engine.VariantTapped {
				return ' '
			}
		}
		return r
	}, text)
}
