package search

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pders01/flum/internal/storage"
)

// Result is a matched item with its relevance score
type Result struct {
	Item    storage.StoredItem
	Score   float64
	Matches []Match
}

// Match represents where text was found
type Match struct {
	Field  string // "title", "description", "content", "url"
	Text   string // matched text snippet
	Weight float64
}

// ItemSource is what the scanning engine reads from.
type ItemSource interface {
	All() ([]storage.StoredItem, error)
}

// Engine scores every cached item against the query without an index.
// It is the fallback when no bleve index is configured.
type Engine struct {
	items ItemSource
	now   func() time.Time
}

func NewEngine(items ItemSource) *Engine {
	return &Engine{items: items, now: time.Now}
}

// Search scores all items and returns the best limit of them.
func (e *Engine) Search(query string, limit int, sourceIDs ...string) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return []*Result{}, nil
	}

	items, err := e.items.All()
	if err != nil {
		return nil, err
	}

	allowed := sourceSet(sourceIDs)
	var results []*Result
	for _, it := range items {
		if allowed != nil && !allowed[it.SourceID] {
			continue
		}
		if r := e.scoreItem(it, terms); r != nil {
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []*Result{}
	}
	return results, nil
}

func (e *Engine) scoreItem(it storage.StoredItem, terms []string) *Result {
	var matches []Match
	var total float64

	if s := scoreField(it.Title, terms, 4.0); s > 0 {
		matches = append(matches, Match{Field: "title", Text: it.Title, Weight: s})
		total += s
	}
	if s := scoreField(it.OGDescription, terms, 2.0); s > 0 {
		matches = append(matches, Match{Field: "description", Text: truncate(it.OGDescription, 150), Weight: s})
		total += s
	}
	if s := scoreField(it.Content, terms, 1.0); s > 0 {
		matches = append(matches, Match{Field: "content", Text: findBestSnippet(it.Content, terms, 200), Weight: s})
		total += s
	}
	if s := scoreField(it.URL, terms, 0.5); s > 0 {
		matches = append(matches, Match{Field: "url", Text: it.URL, Weight: s})
		total += s
	}

	if total == 0 {
		return nil
	}
	if it.PublishedAt != nil {
		total *= 1.0 + recencyBoost(*it.PublishedAt, e.now())
	}
	return &Result{Item: it, Score: total, Matches: matches}
}

// scoreField calculates relevance score for a field
func scoreField(text string, terms []string, weight float64) float64 {
	if text == "" {
		return 0
	}

	lower := strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var score float64
	matchedTerms := 0

	for _, term := range terms {
		// Exact phrase match (highest score)
		if strings.Contains(lower, term) {
			score += 2.0
			matchedTerms++
		}

		for _, word := range words {
			switch {
			case word == term:
				score += 1.5
				matchedTerms++
			case strings.HasPrefix(word, term) || strings.HasSuffix(word, term):
				score += 1.0
				matchedTerms++
			case strings.Contains(word, term):
				score += 0.5
				matchedTerms++
			}
		}
	}

	if len(terms) > 1 && matchedTerms > 1 {
		score *= 1.0 + float64(matchedTerms)/float64(len(terms))
	}

	tf := float64(matchedTerms) / float64(len(words))
	score *= 1.0 + math.Log(1.0+tf)

	return score * weight
}

// findBestSnippet finds the most relevant text snippet containing search terms
func findBestSnippet(text string, terms []string, maxLength int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	windowSize := maxLength / 8 // Approximate words in snippet
	if windowSize >= len(words) {
		return truncate(text, maxLength)
	}

	bestScore := 0
	bestStart := 0
	for i := 0; i <= len(words)-windowSize; i++ {
		window := strings.ToLower(strings.Join(words[i:i+windowSize], " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(window, term) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestStart = i
		}
	}

	return truncate(strings.Join(words[bestStart:bestStart+windowSize], " "), maxLength)
}

// tokenize breaks text into lower-case searchable terms
func tokenize(text string) []string {
	var terms []string
	current := strings.Builder{}

	flush := func() {
		if utf8.RuneCountInString(current.String()) > 1 { // Skip single chars
			terms = append(terms, current.String())
		}
		current.Reset()
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else if current.Len() > 0 {
			flush()
		}
	}
	if current.Len() > 0 {
		flush()
	}

	return terms
}

// truncate limits text to maxLen runes with an ellipsis
func truncate(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxLen-1]) + "…"
}

// recencyBoost gives up to 10% to items from the last week.
func recencyBoost(published, now time.Time) float64 {
	const week = 7 * 24 * time.Hour
	age := now.Sub(published)
	if age < 0 {
		age = 0
	}
	if age >= week {
		return 0
	}
	return 0.1 * (1 - float64(age)/float64(week))
}

func sourceSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
