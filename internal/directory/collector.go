package directory

import (
	"context"
	"errors"
	"time"

	"github.com/cs2-scanner/internal/config"
	"github.com/cs2-scanner/internal/metrics"
	"github.com/cs2-scanner/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUpstreamUnavailable = errors.New("directory upstream unavailable")
	ErrMalformedPayload    = errors.New("malformed directory payload")
)

// Provider returns one page of directory entries for a category
type Provider interface {
	FetchPage(ctx context.Context, category string, offset, limit int) ([]types.ServerRecord, error)
	HasCredential() bool
}

// CategoryResult describes how one category fared during a collection
type CategoryResult struct {
	Category string
	Servers  int
	Pages    int
	Duration time.Duration
	Error    string
}

type Collector struct {
	provider Provider
	config   config.DirectoryConfig
	metrics  *metrics.Collector
}

func NewCollector(provider Provider, cfg config.DirectoryConfig, metricsCollector *metrics.Collector) *Collector {
	return &Collector{
		provider: provider,
		config:   cfg,
		metrics:  metricsCollector,
	}
}

// Collect fetches every category concurrently and returns the merged
// records deduplicated by SteamID. A failing category contributes whatever
// pages it gathered before the failure; the others are unaffected.
func (c *Collector) Collect(ctx context.Context, categories []string, maxOffset int) ([]types.ServerRecord, []CategoryResult) {
	if !c.provider.HasCredential() {
		log.Debug("No directory credential set, skipping collection")
		return []types.ServerRecord{}, nil
	}
	if len(categories) == 0 {
		return []types.ServerRecord{}, nil
	}

	workers := c.config.Workers
	if workers < 1 {
		workers = 1
	}

	// indexed by category so the merge order does not depend on scheduling
	pages := make([][]types.ServerRecord, len(categories))
	results := make([]CategoryResult, len(categories))

	var g errgroup.Group
	g.SetLimit(workers)

	for i, category := range categories {
		i, category := i, category
		g.Go(func() error {
			startTime := time.Now()
			records, pageCount, err := c.fetchCategory(ctx, category, maxOffset)
			duration := time.Since(startTime)

			result := CategoryResult{
				Category: category,
				Servers:  len(records),
				Pages:    pageCount,
				Duration: duration,
			}

			if err != nil {
				result.Error = err.Error()
				log.WithFields(log.Fields{
					"category": category,
					"servers":  len(records),
				}).Warnf("Category %s failed: %v (took %v)", category, err, duration)
				c.metrics.RecordCategoryFetch(category, "error", len(records))
			} else {
				log.Debugf("Category %s returned %d servers (took %v)", category, len(records), duration)
				c.metrics.RecordCategoryFetch(category, "ok", len(records))
			}

			pages[i] = records
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	all := make([]types.ServerRecord, 0)
	for _, records := range pages {
		all = append(all, records...)
	}

	return deduplicate(all), results
}

// CollectProbe scans the probe category with its own pagination depth
func (c *Collector) CollectProbe(ctx context.Context) ([]types.ServerRecord, []CategoryResult) {
	return c.Collect(ctx, []string{c.config.ProbeCategory}, c.config.ProbeMaxOffset)
}

func (c *Collector) fetchCategory(ctx context.Context, category string, maxOffset int) ([]types.ServerRecord, int, error) {
	pageSize := c.config.PageSize
	if pageSize < 1 {
		pageSize = 100
	}

	records := make([]types.ServerRecord, 0)
	pageCount := 0

	for offset := 0; offset <= maxOffset; offset += pageSize {
		page, err := c.provider.FetchPage(ctx, category, offset, pageSize)
		if err != nil {
			return records, pageCount, err
		}
		if len(page) == 0 {
			break
		}

		pageCount++
		for _, record := range page {
			record.Category = category
			records = append(records, record)
		}

		if offset+pageSize <= maxOffset {
			if err := sleep(ctx, c.config.PageDelay()); err != nil {
				return records, pageCount, err
			}
		}
	}

	return records, pageCount, nil
}

func deduplicate(records []types.ServerRecord) []types.ServerRecord {
	index := make(map[string]int, len(records))
	unique := make([]types.ServerRecord, 0, len(records))

	for _, record := range records {
		if i, exists := index[record.SteamID]; exists {
			unique[i] = record
			continue
		}
		index[record.SteamID] = len(unique)
		unique = append(unique, record)
	}

	return unique
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
