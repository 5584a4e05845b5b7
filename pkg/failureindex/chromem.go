package failureindex

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemProvider backs Provider with an embedded, pure-Go vector store.
// It needs no external service, which makes it the default when
// config.FailureIndexConfig names no other backend. Vectors are stored
// pre-computed (Embed already did the work), so its embedding function is
// never actually invoked.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// ChromemConfig configures the embedded provider.
type ChromemConfig struct {
	// PersistPath, if set, gob-exports the database there after every
	// mutation so failure history survives a restart.
	PersistPath string
}

func identityEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("chromem embedding func invoked but vectors are always pre-computed")
}

// NewChromemProvider opens (or creates) an embedded vector database.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("create chromem persist dir: %w", err)
		}
		dbPath := cfg.PersistPath + "/failures.gob"
		if _, err := os.Stat(dbPath); err == nil {
			db = chromem.NewDB()
			if loadErr := db.Import(dbPath, ""); loadErr != nil {
				db = chromem.NewDB()
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemProvider{db: db, persistPath: cfg.PersistPath, collections: make(map[string]*chromem.Collection)}, nil
}

func (p *ChromemProvider) getCollection(collection string) (*chromem.Collection, error) {
	p.mu.RLock()
	if c, ok := p.collections[collection]; ok {
		p.mu.RUnlock()
		return c, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.collections[collection]; ok {
		return c, nil
	}
	c, err := p.db.GetOrCreateCollection(collection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("get/create collection %q: %w", collection, err)
	}
	p.collections[collection] = c
	return c, nil
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection, id string, vector [VectorDim]float64, metadata map[string]any) error {
	c, err := p.getCollection(collection)
	if err != nil {
		return err
	}
	strMeta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMeta[k] = fmt.Sprint(v)
	}
	doc := chromem.Document{ID: id, Metadata: strMeta, Embedding: vectorToFloat32(vector)}
	if err := c.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return p.persist()
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, vector [VectorDim]float64, topK int) ([]Result, error) {
	c, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}
	hits, err := c.QueryEmbedding(ctx, vectorToFloat32(vector), topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		meta := make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			meta[k] = v
		}
		out = append(out, Result{ID: h.ID, Score: float64(h.Similarity), Metadata: meta})
	}
	return out, nil
}

func (p *ChromemProvider) Delete(ctx context.Context, collection, id string) error {
	c, err := p.getCollection(collection)
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return p.persist()
}

func (p *ChromemProvider) Name() string { return "chromem" }

func (p *ChromemProvider) Close() error { return p.persist() }

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}
	if err := p.db.Export(p.persistPath+"/failures.gob", false, ""); err != nil {
		return fmt.Errorf("persist chromem db: %w", err)
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
