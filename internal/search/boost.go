package search

import (
	"strings"
	"time"

	"vfscore/internal/index"
)

const (
	frequencyLengthScale = 10.0
	maxFrequencyBoost    = 0.2
	titleTermBonus       = 0.1
	maxTitleBoost        = 0.2
	phraseMatchBonus     = 0.1
	recencyBonus         = 0.05
	recencyWindow        = 30 * 24 * time.Hour
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {},
	"or": {}, "the": {}, "to": {}, "was": {}, "were": {}, "with": {},
}

// ruleBoost scores a candidate without a reranker model. It rewards query
// term frequency in the matched text, query terms in the resource title,
// verbatim phrase matches, and recently updated resources.
func ruleBoost(query string, c *candidate, now time.Time) float64 {
	queryTerms := filterStopwords(index.Terms(query))
	if len(queryTerms) == 0 {
		return 0
	}

	boost := frequencyScore(queryTerms, c.text) + titleScore(queryTerms, c.title)

	phrase := strings.ToLower(strings.TrimSpace(query))
	if phrase != "" {
		if strings.Contains(strings.ToLower(c.text), phrase) {
			boost += phraseMatchBonus
		}
		if strings.Contains(strings.ToLower(c.title), phrase) {
			boost += phraseMatchBonus
		}
	}

	if !c.updatedAt.IsZero() {
		age := now.Sub(c.updatedAt)
		if age < 0 {
			age = 0
		}
		if age < recencyWindow {
			boost += recencyBonus * (1 - float64(age)/float64(recencyWindow))
		}
	}
	return boost
}

// frequencyScore counts query term occurrences normalized by text length.
func frequencyScore(queryTerms []string, text string) float64 {
	textTerms := index.Terms(text)
	if len(textTerms) == 0 {
		return 0
	}
	freq := make(map[string]int, len(textTerms))
	for _, t := range textTerms {
		freq[t]++
	}
	var matches int
	for _, t := range queryTerms {
		matches += freq[t]
	}
	score := float64(matches) / float64(1+len(textTerms)) * frequencyLengthScale
	if score > maxFrequencyBoost {
		return maxFrequencyBoost
	}
	return score
}

func titleScore(queryTerms []string, title string) float64 {
	titleTerms := index.Terms(title)
	if len(titleTerms) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(titleTerms))
	for _, t := range titleTerms {
		set[t] = struct{}{}
	}
	var score float64
	for _, t := range queryTerms {
		if _, ok := set[t]; ok {
			score += titleTermBonus
		}
	}
	if score > maxTitleBoost {
		return maxTitleBoost
	}
	return score
}

func filterStopwords(terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// snippet returns up to maxRunes of text centred on the first query term.
func snippet(text, query string, maxRunes int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= maxRunes {
		return string(runes)
	}

	lower := []rune(strings.ToLower(string(runes)))
	start := 0
	for _, term := range filterStopwords(index.Terms(query)) {
		if pos := indexRunes(lower, []rune(term)); pos >= 0 {
			start = pos - maxRunes/4
			break
		}
	}
	if start < 0 {
		start = 0
	}
	if start+maxRunes > len(runes) {
		start = len(runes) - maxRunes
	}

	out := string(runes[start : start+maxRunes])
	if start > 0 {
		out = "…" + out
	}
	if start+maxRunes < len(runes) {
		out += "…"
	}
	return out
}

func indexRunes(s, sub []rune) int {
	if len(sub) == 0 {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
