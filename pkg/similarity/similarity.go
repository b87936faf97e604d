package similarity

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"gonum.org/v1/gonum/floats"
)

// Keyword is a weighted term expected in a free-text answer.
type Keyword struct {
	Keyword string  `json:"keyword"`
	Weight  float64 `json:"weight"`
}

// KeywordMatch reports which keywords an answer covered.
type KeywordMatch struct {
	Matched       []string `json:"matched"`
	Unmatched     []string `json:"unmatched"`
	MatchedWeight float64  `json:"matched_weight"`
	TotalWeight   float64  `json:"total_weight"`
}

// Ratio returns 1 - levenshtein(a, b) / max(len(a), len(b)) over runes, case-insensitive.
func Ratio(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}

	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}

	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(longest)
}

// Contains reports whether the answer contains the keyword outright, or whether any window
// of the answer with the keyword's word count reaches the similarity threshold.
func Contains(answer, keyword string, threshold float64) bool {
	normalizedAnswer := strings.ToLower(answer)
	normalizedKeyword := strings.ToLower(strings.TrimSpace(keyword))
	if normalizedKeyword == "" {
		return false
	}
	if strings.Contains(normalizedAnswer, normalizedKeyword) {
		return true
	}

	words := tokenize(normalizedAnswer)
	size := len(tokenize(normalizedKeyword))
	if size == 0 || len(words) < size {
		return false
	}

	for i := 0; i+size <= len(words); i++ {
		window := strings.Join(words[i:i+size], " ")
		if Ratio(window, normalizedKeyword) >= threshold {
			return true
		}
	}
	return false
}

// MatchKeywords evaluates every keyword against the answer.
func MatchKeywords(answer string, keywords []Keyword, threshold float64) KeywordMatch {
	result := KeywordMatch{
		Matched:   []string{},
		Unmatched: []string{},
	}

	for _, kw := range keywords {
		weight := kw.Weight
		if weight <= 0 {
			weight = 1
		}
		result.TotalWeight += weight

		if Contains(answer, kw.Keyword, threshold) {
			result.Matched = append(result.Matched, kw.Keyword)
			result.MatchedWeight += weight
			continue
		}
		result.Unmatched = append(result.Unmatched, kw.Keyword)
	}

	return result
}

// Cosine returns the cosine similarity of two equal-length vectors. Zero vectors and length
// mismatches yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}

	return floats.Dot(a, b) / (normA * normB)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
