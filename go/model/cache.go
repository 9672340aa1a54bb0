package model

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/helixion/biomarker-worker/go/blobs"
)

// cacheSize bounds the number of loaded models held in memory. Eviction is
// harmless: a dropped entry only costs a reload on next use.
const cacheSize = 64

// Cache is a process-wide cache of loaded models keyed by model id. The
// check-then-load sequence runs under a single lock, so concurrent requests
// for the same model trigger exactly one bundle fetch.
type Cache struct {
	fetcher blobs.Fetcher

	mu     sync.Mutex
	loaded *lru.Cache[string, *Loaded]
}

// NewCache returns an empty Cache that loads bundles through fetcher.
func NewCache(fetcher blobs.Fetcher) *Cache {
	// lru.New only fails for a non-positive size.
	var loaded, _ = lru.New[string, *Loaded](cacheSize)
	return &Cache{fetcher: fetcher, loaded: loaded}
}

// Get returns the loaded model for modelID, loading the bundle at
// storageKey on first use.
func (c *Cache) Get(ctx context.Context, modelID, storageKey string) (*Loaded, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.loaded.Get(modelID); ok {
		return m, nil
	}

	var m, err = Load(ctx, c.fetcher, storageKey)
	if err != nil {
		return nil, err
	}
	c.loaded.Add(modelID, m)

	log.WithFields(log.Fields{
		"modelID":  modelID,
		"format":   m.Format,
		"numTrees": m.NumTrees,
	}).Info("loaded model bundle")

	return m, nil
}

// Invalidate evicts a single model from the cache.
func (c *Cache) Invalidate(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded.Remove(modelID)
}

// Flush evicts every cached model.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded.Purge()
}

// Len returns the number of models currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded.Len()
}
