package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Asset is an uploaded file and its decoded buffer. Immutable once loaded.
type Asset struct {
	Name     string
	Source   []byte
	Buffer   *Buffer
	LoadedAt time.Time
}

// AssetCache holds the current asset and the processing context emitters run on.
type AssetCache struct {
	decode func([]byte) (*Buffer, error)

	mu    sync.RWMutex
	asset *Asset
	pctx  *ProcessingContext
}

func NewAssetCache() *AssetCache {
	return &AssetCache{decode: Decode}
}

// Load decodes data once and replaces the current asset.
// On failure the previous asset stays in place.
func (c *AssetCache) Load(name string, data []byte) (*Asset, error) {
	buf, err := c.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", name, err)
	}
	a := &Asset{Name: name, Source: data, Buffer: buf, LoadedAt: time.Now()}

	c.mu.Lock()
	c.asset = a
	c.mu.Unlock()

	log.Info().
		Str("module", "app.audio").
		Str("name", name).
		Int("bytes", len(data)).
		Dur("duration", buf.Duration()).
		Msg("audio asset loaded")
	return a, nil
}

func (c *AssetCache) Current() (*Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.asset, c.asset != nil
}

// Context returns the processing context, creating it on first use.
func (c *AssetCache) Context() *ProcessingContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pctx == nil {
		c.pctx = NewProcessingContext()
	}
	return c.pctx
}

// RecreateContext closes the current context and installs a fresh one.
func (c *AssetCache) RecreateContext() *ProcessingContext {
	c.mu.Lock()
	old := c.pctx
	c.pctx = NewProcessingContext()
	fresh := c.pctx
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	log.Info().Str("module", "app.audio").Str("context", fresh.ID()).Msg("processing context recreated")
	return fresh
}

// Reset drops the asset and suspends the context.
func (c *AssetCache) Reset() {
	c.mu.Lock()
	c.asset = nil
	pctx := c.pctx
	c.mu.Unlock()

	if pctx != nil {
		pctx.Suspend()
	}
	log.Info().Str("module", "app.audio").Msg("audio state reset")
}
