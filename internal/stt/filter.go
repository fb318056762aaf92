package stt

import "strings"

var noiseMarkers = []string{"[", "]", "(", ")", "♪", "♫", "♬", "♭", "♯"}

// IsNoise reports whether text looks like a recognizer hallucination on
// non-speech audio: bracketed annotations, music symbols, empty output, or
// one word repeated over most of a phrase.
func IsNoise(text string) bool {
	for _, marker := range noiseMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	if strings.TrimSpace(text) == "" {
		return true
	}
	words := strings.Fields(text)
	if len(words) > 3 {
		repeats := 0
		for _, w := range words {
			if w == words[0] {
				repeats++
			}
		}
		if repeats > len(words)*3/4 {
			return true
		}
	}
	return false
}
