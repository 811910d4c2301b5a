package tle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Source describes where the satellite element set comes from. When URL is
// set the set is downloaded and cached in CacheDir; the newest cached copy is
// used if the download fails. Otherwise File is read.
type Source struct {
	File     string
	URL      string
	CacheDir string
	MaxFiles int
}

// Load reads the element set described by src.
func Load(ctx context.Context, src Source, logger *slog.Logger) (*TLEDataset, error) {
	if src.URL == "" {
		return loadFile(src.File, logger)
	}

	cache := NewCache(src.CacheDir, src.MaxFiles)
	fetcher := NewFetcher(src.URL, logger)

	data, err := fetcher.Fetch(ctx)
	if err == nil {
		now := time.Now().UTC()
		if werr := cache.Write(data, now); werr != nil {
			logger.Warn("failed to cache TLE data", "dir", src.CacheDir, "error", werr)
		}
		return parseDataset(data, src.URL, now, logger)
	}

	logger.Warn("TLE fetch failed, trying cache", "source_url", src.URL, "error", err)
	cached, ts, cerr := cache.LoadLatest()
	if cerr != nil {
		if src.File != "" {
			logger.Warn("no cached TLE data, falling back to file", "file", src.File, "error", cerr)
			return loadFile(src.File, logger)
		}
		return nil, fmt.Errorf("fetching %s: %w (cache: %v)", src.URL, err, cerr)
	}
	logger.Info("loaded TLE data from cache", "cached_at", ts.Format(time.RFC3339))
	return parseDataset(cached, "cache", ts, logger)
}

func loadFile(path string, logger *slog.Logger) (*TLEDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading TLE file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat TLE file: %w", err)
	}
	return parseDataset(data, path, info.ModTime().UTC(), logger)
}

func parseDataset(data []byte, source string, fetchedAt time.Time, logger *slog.Logger) (*TLEDataset, error) {
	entries, err := Parse(bytes.NewReader(data), logger)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no TLE entries in %s", source)
	}
	return NewDataset(source, fetchedAt, entries), nil
}
