package knowledge

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Hybrid rerank weights. Dense similarity carries the base signal;
// lexical and intent terms pull exact-match answers above
// merely-nearby passages.
const (
	denseWeight    = 1.0
	lexicalWeight  = 0.35
	intentWeight   = 0.5
	contactPenalty = 0.6

	// A document with at least this many contact markers is treated
	// as a contact/footer block rather than an answer.
	contactMarkerMin = 2
)

var (
	rePhone = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
	reEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	reURL   = regexp.MustCompile(`https?://\S+|www\.\S+`)

	addressWords = []string{"address", "street", "road", "floor", "landmark", "pincode", "pin code"}
)

// Rerank scores docs against the query with the hybrid signal and
// returns them best first. Doc.Score on input is the dense similarity;
// the returned docs carry the combined score.
func Rerank(query string, docs []Doc) []Doc {
	keywords := Keywords(query)
	grams := queryGrams(query)
	intentful := len(keywords) >= 2

	out := make([]Doc, len(docs))
	copy(out, docs)
	for i := range out {
		lower := strings.ToLower(out[i].Content)
		score := denseWeight * out[i].Score
		score += lexicalWeight * lexicalScore(lower, keywords)
		score += intentWeight * intentScore(lower, grams)
		if intentful && contactMarkers(lower) >= contactMarkerMin {
			score -= contactPenalty
		}
		out[i].Score = score
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// lexicalScore is a log-damped term frequency over matched keywords,
// so a tenth repetition of a term counts far less than its first.
func lexicalScore(docLower string, keywords []string) float64 {
	var score float64
	for _, kw := range keywords {
		if tf := strings.Count(docLower, kw); tf > 0 {
			score += math.Log1p(float64(tf))
		}
	}
	return score
}

// intentScore counts query bigram and trigram phrases appearing
// verbatim in the document; trigrams count double.
func intentScore(docLower string, grams []gram) float64 {
	var score float64
	for _, g := range grams {
		if strings.Contains(docLower, g.text) {
			if g.n == 3 {
				score += 2
			} else {
				score++
			}
		}
	}
	return score
}

// contactMarkers counts distinct contact-info signals in a document.
func contactMarkers(docLower string) int {
	n := 0
	if rePhone.MatchString(docLower) {
		n++
	}
	if reEmail.MatchString(docLower) {
		n++
	}
	if reURL.MatchString(docLower) {
		n++
	}
	for _, w := range addressWords {
		if strings.Contains(docLower, w) {
			n++
			break
		}
	}
	return n
}

type gram struct {
	text string
	n    int
}

// queryGrams builds bigrams and trigrams over the stopword-filtered
// query terms.
func queryGrams(query string) []gram {
	words := Keywords(query)
	var grams []gram
	for i := 0; i+1 < len(words); i++ {
		grams = append(grams, gram{text: words[i] + " " + words[i+1], n: 2})
	}
	for i := 0; i+2 < len(words); i++ {
		grams = append(grams, gram{text: words[i] + " " + words[i+1] + " " + words[i+2], n: 3})
	}
	return grams
}

// Keywords lowercases, tokenizes, and stopword-filters a query.
func Keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 && !isDigitWord(f) {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isDigitWord(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
