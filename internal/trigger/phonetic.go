package trigger

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhraseThreshold = 0.80
	defaultWordThreshold   = 0.85
)

// phoneticMatcher finds a phrase inside a transcript when the words sound
// alike rather than being spelled alike. Each window of transcript words with
// the phrase's word count is compared word by word: a pair matches when their
// Double Metaphone codes overlap or their Jaro-Winkler similarity is high.
// The window as a whole must also clear a Jaro-Winkler threshold, which keeps
// short, common words from matching everything.
//
// The matcher is read-only after construction.
type phoneticMatcher struct {
	phraseThreshold float64
	wordThreshold   float64
}

func newPhoneticMatcher() *phoneticMatcher {
	return &phoneticMatcher{
		phraseThreshold: defaultPhraseThreshold,
		wordThreshold:   defaultWordThreshold,
	}
}

// contains reports whether normalised text contains a word sequence that
// sounds like normalised phrase.
func (m *phoneticMatcher) contains(text, phrase string) bool {
	want := strings.Fields(phrase)
	words := strings.Fields(text)
	if len(want) == 0 || len(words) < len(want) {
		return m.joinedMatch(words, want)
	}

	for i := 0; i+len(want) <= len(words); i++ {
		window := words[i : i+len(want)]
		if m.windowMatch(window, want) {
			return true
		}
	}
	return m.joinedMatch(words, want)
}

func (m *phoneticMatcher) windowMatch(window, want []string) bool {
	for j := range want {
		if !m.wordMatch(window[j], want[j]) {
			return false
		}
	}
	return matchr.JaroWinkler(strings.Join(window, " "), strings.Join(want, " "), false) >= m.phraseThreshold
}

// joinedMatch handles split or merged words ("good quest shun" against
// "good question") by comparing space-stripped windows of the transcript.
func (m *phoneticMatcher) joinedMatch(words, want []string) bool {
	target := strings.Join(want, "")
	if target == "" {
		return false
	}
	targetCodes := codes(target)
	for size := 1; size <= len(want)+1; size++ {
		for i := 0; i+size <= len(words); i++ {
			candidate := strings.Join(words[i:i+size], "")
			if matchr.JaroWinkler(candidate, target, false) < m.phraseThreshold {
				continue
			}
			if overlap(codes(candidate), targetCodes) {
				return true
			}
		}
	}
	return false
}

func (m *phoneticMatcher) wordMatch(got, want string) bool {
	if got == want {
		return true
	}
	if overlap(codes(got), codes(want)) {
		return matchr.JaroWinkler(got, want, false) >= m.phraseThreshold
	}
	return matchr.JaroWinkler(got, want, false) >= m.wordThreshold
}

// codes returns the non-empty Double Metaphone codes for word.
func codes(word string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		out[p] = struct{}{}
	}
	if s != "" {
		out[s] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
