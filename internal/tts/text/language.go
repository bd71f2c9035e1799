// Package text classifies and tidies the text submitted for synthesis.
package text

import (
	"strings"
	"unicode"

	"github.com/book-expert/speech-broker/internal/core"
)

// Classify labels text by the scripts it contains. Only CJK unified
// ideographs (U+4E00 to U+9FFF) count as native script and only ASCII letters
// count as Latin: both together is mixed, Latin alone is foreign, and
// everything else is native. Fullwidth and accented letters are not Latin.
func Classify(text string) core.Language {
	var hasHan, hasLatin bool

	for _, r := range text {
		switch {
		case isCJKIdeograph(r):
			hasHan = true
		case isLatinLetter(r):
			hasLatin = true
		}

		if hasHan && hasLatin {
			return core.LanguageMixed
		}
	}

	if hasLatin {
		return core.LanguageForeign
	}

	return core.LanguageNative
}

func isCJKIdeograph(r rune) bool {
	return r >= '\u4e00' && r <= '\u9fff'
}

func isLatinLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// TrimText strips surrounding whitespace and leaves inner line breaks alone,
// since cut strategies split on them.
func TrimText(text string) string {
	return strings.TrimFunc(text, unicode.IsSpace)
}
