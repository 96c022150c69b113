package search

// Searcher is the query side shared by the index-backed and the scanning
// engine. Passing source ids restricts matches to those sources.
type Searcher interface {
	Search(query string, limit int, sourceIDs ...string) ([]*Result, error)
}

// DebugStatser provides lightweight stats for visibility/debugging.
// Implemented by engines that can report index doc counts, etc.
type DebugStatser interface {
	DocCount() (int, error)
}
