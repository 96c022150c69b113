package search

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/flum/internal/debuglog"
	"github.com/pders01/flum/internal/storage"
)

const itemDocPrefix = "item:"

// BleveEngine keeps a full-text index of the item store. Register it with
// ItemStore.AddListener so additions and removals reach the index.
type BleveEngine struct {
	items ItemSource
	idx   bleve.Index
}

// NewBleveEngine creates or opens a Bleve index at indexPath and indexes
// current data. An empty indexPath keeps the index in memory.
func NewBleveEngine(items ItemSource, indexPath string) (*BleveEngine, error) {
	var idx bleve.Index
	var err error

	if indexPath == "" {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(indexPath), 0o755); mkErr != nil {
			debuglog.Warnf("creating index directory: %v", mkErr)
		}
		idx, err = bleve.Open(indexPath)
		if err != nil {
			idx, err = bleve.New(indexPath, buildIndexMapping())
		}
	}
	if err != nil {
		return nil, err
	}

	be := &BleveEngine{items: items, idx: idx}
	if err := be.reindexAll(); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return be, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	desc := bleve.NewTextFieldMapping()
	desc.Analyzer = standard.Name
	desc.Store = true

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = false

	url := bleve.NewTextFieldMapping()
	url.Analyzer = standard.Name
	url.Store = true

	// exact-match fields
	sourceID := bleve.NewTextFieldMapping()
	sourceID.Analyzer = keyword.Name
	sourceID.Store = true

	published := bleve.NewTextFieldMapping()
	published.Analyzer = keyword.Name
	published.Store = true
	published.Index = false

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("description", desc)
	dm.AddFieldMappingsAt("content", content)
	dm.AddFieldMappingsAt("url", url)
	dm.AddFieldMappingsAt("source_id", sourceID)
	dm.AddFieldMappingsAt("published", published)

	im.DefaultMapping = dm
	return im
}

func itemDoc(it storage.StoredItem) map[string]any {
	doc := map[string]any{
		"source_id":   it.SourceID,
		"title":       it.Title,
		"description": it.OGDescription,
		"content":     it.Content,
		"url":         it.URL,
	}
	if it.PublishedAt != nil {
		doc["published"] = it.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	return doc
}

func docIDForItem(id uint64) string { return itemDocPrefix + strconv.FormatUint(id, 10) }

func itemIDFromDoc(docID string) (uint64, bool) {
	raw, ok := strings.CutPrefix(docID, itemDocPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	return id, err == nil
}

// reindexAll indexes every stored item and drops documents for items that
// no longer exist.
func (b *BleveEngine) reindexAll() error {
	items, err := b.items.All()
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(items))
	batch := b.idx.NewBatch()
	for _, it := range items {
		id := docIDForItem(it.ID)
		live[id] = true
		if err := batch.Index(id, itemDoc(it)); err != nil {
			debuglog.Warnf("indexing item %d: %v", it.ID, err)
		}
	}
	if err := b.idx.Batch(batch); err != nil {
		return err
	}

	stale, err := b.docIDs(func(id string) bool { return !live[id] })
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	batch = b.idx.NewBatch()
	for _, id := range stale {
		batch.Delete(id)
	}
	return b.idx.Batch(batch)
}

func (b *BleveEngine) docIDs(keep func(string) bool) ([]string, error) {
	const size = 1000
	var out []string
	for from := 0; ; from += size {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), size, from, false)
		res, err := b.idx.Search(req)
		if err != nil {
			return nil, err
		}
		for _, h := range res.Hits {
			if keep(h.ID) {
				out = append(out, h.ID)
			}
		}
		if len(res.Hits) < size {
			return out, nil
		}
	}
}

// Search runs a boosted OR of per-term matches across the item fields.
func (b *BleveEngine) Search(query string, limit int, sourceIDs ...string) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var qs []bleveQuery.Query
	for _, tok := range tokenize(query) {
		qs = append(qs,
			fieldMatch(tok, "title", 4.0), fieldPrefix(tok, "title", 3.5),
			fieldMatch(tok, "description", 2.0), fieldPrefix(tok, "description", 1.8),
			fieldMatch(tok, "content", 1.0), fieldPrefix(tok, "content", 0.8),
			fieldMatch(tok, "url", 0.5), fieldPrefix(tok, "url", 0.3),
		)
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}

	var q bleveQuery.Query = bleve.NewDisjunctionQuery(qs...)
	if len(sourceIDs) > 0 {
		sources := make([]bleveQuery.Query, len(sourceIDs))
		for i, id := range sourceIDs {
			tq := bleve.NewTermQuery(id)
			tq.SetField("source_id")
			sources[i] = tq
		}
		q = bleve.NewConjunctionQuery(q, bleve.NewDisjunctionQuery(sources...))
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"title", "description", "url", "source_id", "published"}
	res, err := b.idx.Search(req)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, ok := itemIDFromDoc(h.ID)
		if !ok {
			continue
		}
		it := storage.StoredItem{ID: id}
		it.Title, _ = h.Fields["title"].(string)
		it.OGDescription, _ = h.Fields["description"].(string)
		it.URL, _ = h.Fields["url"].(string)
		it.SourceID, _ = h.Fields["source_id"].(string)
		if p, ok := h.Fields["published"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, p); err == nil {
				it.PublishedAt = &t
			}
		}
		out = append(out, &Result{Item: it, Score: h.Score})
	}
	return out, nil
}

func fieldMatch(tok, field string, boost float64) bleveQuery.Query {
	q := bleve.NewMatchQuery(tok)
	q.SetField(field)
	q.SetBoost(boost)
	return q
}

func fieldPrefix(tok, field string, boost float64) bleveQuery.Query {
	q := bleve.NewPrefixQuery(strings.ToLower(tok))
	q.SetField(field)
	q.SetBoost(boost)
	return q
}

// ItemsAdded indexes newly stored items.
func (b *BleveEngine) ItemsAdded(items []storage.StoredItem) {
	batch := b.idx.NewBatch()
	for _, it := range items {
		_ = batch.Index(docIDForItem(it.ID), itemDoc(it))
	}
	if err := b.idx.Batch(batch); err != nil {
		debuglog.Warnf("indexing %d items: %v", len(items), err)
	}
}

// ItemsRemoved drops pruned or deleted items from the index.
func (b *BleveEngine) ItemsRemoved(items []storage.StoredItem) {
	batch := b.idx.NewBatch()
	for _, it := range items {
		batch.Delete(docIDForItem(it.ID))
	}
	if err := b.idx.Batch(batch); err != nil {
		debuglog.Warnf("removing %d items from index: %v", len(items), err)
	}
}

// DocCount reports total documents in the index.
func (b *BleveEngine) DocCount() (int, error) {
	n, err := b.idx.DocCount()
	return int(n), err
}

func (b *BleveEngine) Close() error {
	return b.idx.Close()
}
