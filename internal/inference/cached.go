package inference

import (
	"context"
	"image"
	"io"
)

// CachedDetector wraps a detector factory in the model cache: lazy first
// load, serialized use, and periodic eviction on long-lived workers.
func CachedDetector(cache *Cache, name string, factory Factory) Detector {
	return &cachedDetector{cache: cache, name: name, factory: factory}
}

// CachedSegmenter is the segmenter counterpart of CachedDetector.
func CachedSegmenter(cache *Cache, name string, factory Factory) Segmenter {
	return &cachedSegmenter{cache: cache, name: name, factory: factory}
}

type cachedDetector struct {
	cache   *Cache
	name    string
	factory Factory
}

func (c *cachedDetector) Detect(ctx context.Context, img image.Image) ([]RawDetection, error) {
	var out []RawDetection
	err := c.cache.With(c.name, c.factory, func(handle io.Closer) error {
		var err error
		out, err = handle.(Detector).Detect(ctx, img)
		return err
	})
	return out, err
}

type cachedSegmenter struct {
	cache   *Cache
	name    string
	factory Factory
}

func (c *cachedSegmenter) Segment(ctx context.Context, img image.Image) ([]Region, error) {
	var out []Region
	err := c.cache.With(c.name, c.factory, func(handle io.Closer) error {
		var err error
		out, err = handle.(Segmenter).Segment(ctx, img)
		return err
	})
	return out, err
}
