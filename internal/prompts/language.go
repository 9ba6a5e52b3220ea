package prompts

import "unicode"

// DetectLanguage guesses the language of a user message from its script.
// Rule-based on purpose: the result only steers the {{USER_LANGUAGE}} slot,
// so a wrong guess degrades to English phrasing, never to wrong behavior.
func DetectLanguage(text string) string {
	counts := map[string]int{}
	letters := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch {
		case unicode.Is(unicode.Latin, r):
			counts["English"]++
		case unicode.Is(unicode.Han, r):
			counts["Chinese"]++
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			counts["Japanese"]++
		case unicode.Is(unicode.Hangul, r):
			counts["Korean"]++
		case unicode.Is(unicode.Cyrillic, r):
			counts["Russian"]++
		case unicode.Is(unicode.Arabic, r):
			counts["Arabic"]++
		case unicode.Is(unicode.Devanagari, r):
			counts["Hindi"]++
		case unicode.Is(unicode.Greek, r):
			counts["Greek"]++
		case unicode.Is(unicode.Thai, r):
			counts["Thai"]++
		case unicode.Is(unicode.Hebrew, r):
			counts["Hebrew"]++
		}
	}
	if letters == 0 {
		return "English"
	}
	// Hiragana or Katakana anywhere means Japanese even when Han dominates.
	if counts["Japanese"] > 0 {
		return "Japanese"
	}
	best, bestCount := "English", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	return best
}
