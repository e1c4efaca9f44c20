// Package memory implements the semantic run cache: a hybrid similarity
// index over past research queries, combining vector search with BM25
// keyword search fused by reciprocal rank.
package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	chromem "github.com/philippgille/chromem-go"

	"github.com/delverhq/delver/config"
	"github.com/delverhq/delver/internal/agent/core"
)

const (
	collectionName = "research_cache"
	rrfK           = 60 // reciprocal-rank-fusion constant
)

// Embedder produces vector embeddings for texts. The LLM provider
// satisfies this.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// record keeps the typed payload of an entry indexed in this process,
// so keyword-leg hits carry the original metadata values.
type record struct {
	query   string
	payload map[string]interface{}
	added   time.Time
}

// Index holds a chromem vector collection and a bleve BM25 index side
// by side; Search fuses both result lists by reciprocal rank. Vector
// documents carry their metadata as strings, so a persisted collection
// is usable after a restart; the keyword leg is in-memory and rebuilt
// per process.
type Index struct {
	collection *chromem.Collection
	keyword    bleve.Index
	embed      chromem.EmbeddingFunc

	mu     sync.RWMutex
	meta   map[string]record
	logger *log.Logger
}

var _ core.SimilarityIndex = (*Index)(nil)

// New opens the index. With cfg.Path set the vector collection persists
// under that directory, otherwise everything lives in memory.
func New(cfg config.MemoryConfig, embedder Embedder) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("memory index requires an embedder")
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := embedder.CreateEmbedding(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, fmt.Errorf("embedder returned no vectors")
		}
		return vecs[0], nil
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("opening vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", collectionName, err)
	}

	keyword, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating keyword index: %w", err)
	}

	return &Index{
		collection: collection,
		keyword:    keyword,
		embed:      embed,
		meta:       make(map[string]record),
		logger:     log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
	}, nil
}

// Add indexes a query with its payload. Entries are keyed by the md5 of
// the query, so re-adding the same query replaces the earlier entry in
// both legs. The embedding is computed over the query text itself;
// lookups compare query to query, which is what cached-run reuse needs.
func (ix *Index) Add(ctx context.Context, query string, payload map[string]interface{}) error {
	id := queryID(query)
	now := time.Now().UTC()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	vec, err := ix.embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}

	metadata := map[string]string{
		"query":     query,
		"timestamp": now.Format(time.RFC3339),
	}
	for k, v := range payload {
		metadata[k] = fmt.Sprint(v)
	}

	doc := chromem.Document{
		ID:        id,
		Content:   fmt.Sprintf("Query: %s\n\nResults: %s", query, encoded),
		Metadata:  metadata,
		Embedding: vec,
	}
	if err := ix.collection.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("indexing vector: %w", err)
	}
	if err := ix.keyword.Index(id, keywordDoc{Query: query}); err != nil {
		return fmt.Errorf("indexing keyword: %w", err)
	}

	ix.mu.Lock()
	ix.meta[id] = record{query: query, payload: payload, added: now}
	ix.mu.Unlock()

	ix.logger.Printf("indexed query %s", id)
	return nil
}

type keywordDoc struct {
	Query string `json:"query"`
}

// Search returns the topK most similar indexed queries, best first.
// Distance is 1 - cosine similarity for hits the vector leg scored;
// keyword-only hits report the maximum distance of 1, so they never
// pass a similarity threshold on their own. A failing leg degrades the
// search to the other leg rather than failing it.
func (ix *Index) Search(ctx context.Context, query string, topK int) ([]core.SimilarHit, error) {
	if topK <= 0 {
		topK = 1
	}

	fused := map[string]float64{}
	sims := map[string]float64{}
	docs := map[string]chromem.Result{}

	if count := ix.collection.Count(); count > 0 {
		n := topK * 3
		if n > count {
			n = count
		}
		results, err := ix.collection.Query(ctx, query, n, nil, nil)
		if err != nil {
			ix.logger.Printf("vector search failed, falling back to keyword leg: %v", err)
		} else {
			for i, r := range results {
				fused[r.ID] += 1.0 / float64(rrfK+i+1)
				sims[r.ID] = float64(r.Similarity)
				docs[r.ID] = r
			}
		}
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), topK*3, 0, false)
	if res, err := ix.keyword.Search(req); err != nil {
		ix.logger.Printf("keyword search failed, falling back to vector leg: %v", err)
	} else {
		for i, hit := range res.Hits {
			fused[hit.ID] += 1.0 / float64(rrfK+i+1)
		}
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return fused[ids[i]] > fused[ids[j]] })
	if len(ids) > topK {
		ids = ids[:topK]
	}

	hits := make([]core.SimilarHit, 0, len(ids))
	for _, id := range ids {
		hit := core.SimilarHit{ID: id, Distance: 1}
		if sim, ok := sims[id]; ok {
			hit.Distance = 1 - sim
		}
		if rec, ok := ix.lookup(id); ok {
			hit.Query = rec.query
			hit.Metadata = make(map[string]interface{}, len(rec.payload))
			for k, v := range rec.payload {
				hit.Metadata[k] = v
			}
		} else if doc, ok := docs[id]; ok {
			// Entry from a previous process: only the string metadata
			// persisted with the vector document is available.
			hit.Query = doc.Metadata["query"]
			hit.Metadata = make(map[string]interface{}, len(doc.Metadata))
			for k, v := range doc.Metadata {
				hit.Metadata[k] = v
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count reports how many entries the vector collection holds.
func (ix *Index) Count() int {
	return ix.collection.Count()
}

// Close releases the keyword index. The vector collection needs no
// teardown; persistent collections write through on every add.
func (ix *Index) Close() error {
	return ix.keyword.Close()
}

func (ix *Index) lookup(id string) (record, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.meta[id]
	return rec, ok
}

func queryID(query string) string {
	sum := md5.Sum([]byte(query))
	return hex.EncodeToString(sum[:])
}
