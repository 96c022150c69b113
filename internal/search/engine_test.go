package search

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/flum/internal/storage"
)

type staticItems []storage.StoredItem

func (s staticItems) All() ([]storage.StoredItem, error) { return s, nil }

type failingItems struct{}

func (failingItems) All() ([]storage.StoredItem, error) { return nil, errors.New("store closed") }

func sampleItems() staticItems {
	published := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	return staticItems{
		{ID: 1, Item: storage.Item{SourceID: "s1", Title: "Hello World", URL: "https://example.com/1", OGDescription: "greeting article"}},
		{ID: 2, Item: storage.Item{SourceID: "s1", Title: "Golang Tips", URL: "https://example.com/2", Content: "Using bleve for full text search", PublishedAt: &published}},
		{ID: 3, Item: storage.Item{SourceID: "s2", Title: "Gardening", URL: "https://garden.example/golang", Content: "nothing about code"}},
	}
}

func TestSearchMinLength(t *testing.T) {
	engine := NewEngine(sampleItems())

	for _, query := range []string{"", "a", "   "} {
		results, err := engine.Search(query, 10)
		assert.NoError(t, err)
		assert.NotNil(t, results)
		assert.Empty(t, results, "short queries should return empty results")
	}
}

func TestEngine_Search(t *testing.T) {
	engine := NewEngine(sampleItems())

	results, err := engine.Search("golang", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(2), results[0].Item.ID, "a title match outranks a url match")
	assert.Equal(t, "title", results[0].Matches[0].Field)

	results, err = engine.Search("golang", 10, "s2")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(3), results[0].Item.ID)

	results, err = engine.Search("greeting", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "description", results[0].Matches[0].Field)

	results, err = engine.Search("nomatch", 10)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestEngine_SearchError(t *testing.T) {
	_, err := NewEngine(failingItems{}).Search("golang", 10)
	assert.Error(t, err)
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"simple words", "hello world", []string{"hello", "world"}},
		{"with punctuation", "hello, world! test.", []string{"hello", "world", "test"}},
		{"with numbers", "test123 456hello", []string{"test123", "456hello"}},
		{"mixed case", "Hello WORLD Test", []string{"hello", "world", "test"}},
		{"single characters filtered", "a b test c d word", []string{"test", "word"}},
		{"empty string", "", nil},
		{"special characters", "test@email.com hello-world", []string{"test", "email", "com", "hello", "world"}},
		{"japanese", "日本語 ニュース", []string{"日本語", "ニュース"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tokenize(tt.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxLen   int
		expected string
	}{
		{"text shorter than limit", "short", 10, "short"},
		{"text exactly at limit", "exactlyten", 10, "exactlyten"},
		{"text longer than limit", "this is a very long text", 10, "this is a…"},
		{"empty text", "", 10, ""},
		{"multibyte", "あいうえおかきくけこさ", 5, "あいうえ…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncate(tt.text, tt.maxLen))
		})
	}
}

func TestFindBestSnippet(t *testing.T) {
	words := make([]string, 0, 60)
	for i := 0; i < 50; i++ {
		words = append(words, "filler")
	}
	words = append(words, "needle", "here")
	text := ""
	for i, w := range words {
		if i > 0 {
			text += " "
		}
		text += w
	}

	snippet := findBestSnippet(text, []string{"needle"}, 80)
	assert.Contains(t, snippet, "needle")
	assert.Equal(t, "", findBestSnippet("", []string{"x"}, 80))
}

func TestRecencyBoost(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.InDelta(t, 0.1, recencyBoost(now, now), 1e-9)
	assert.Equal(t, 0.0, recencyBoost(now.Add(-8*24*time.Hour), now))
	assert.Greater(t, recencyBoost(now.Add(-time.Hour), now), recencyBoost(now.Add(-48*time.Hour), now))
}
