package extract

import (
	"context"
	"fmt"
	"log/slog"
)

// PageResult carries one extracted page plus enough position information
// for granular progress reporting.
type PageResult struct {
	// Index is the zero-based page number
	Index int

	// Records holds the page's rows, minus intra-run duplicates
	Records []RawRecord

	// Duplicates counts rows skipped because their id was already seen
	// earlier in this extraction
	Duplicates int

	// TotalElements is the source-reported total for the whole window
	TotalElements int64
}

// EmitFunc consumes one extracted page. Returning an error stops the
// extraction; pages already emitted stay consumed.
type EmitFunc func(page PageResult) error

// Extractor walks a source's pages in order over a date window.
type Extractor struct {
	client   *Client
	pageSize int
	logger   *slog.Logger
}

// NewExtractor creates an Extractor requesting pageSize records per page.
func NewExtractor(client *Client, pageSize int, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		client:   client,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Extract pulls every page of src within the window and hands each one to
// emit, in page order. Duplicate ids within one extraction are dropped
// before emission. A failure on the first page means no data at all could
// be read from the source; later failures surface the error while earlier
// pages remain emitted.
func (e *Extractor) Extract(ctx context.Context, src Source, window DateWindow, emit EmitFunc) error {
	seen := make(map[string]struct{})
	var cumulative int64

	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := e.client.FetchPage(ctx, src.Endpoint, page, e.pageSize, window)
		if err != nil {
			if page == 0 {
				return fmt.Errorf("source %s yielded no data: %w", src.Name, err)
			}
			return fmt.Errorf("source %s failed after %d pages: %w", src.Name, page, err)
		}

		records := make([]RawRecord, 0, len(result.Content))
		duplicates := 0
		for _, rec := range result.Content {
			id := rec.ID.String()
			if _, ok := seen[id]; ok {
				e.logger.Warn("duplicate record within extraction",
					"source", src.Name, "id", id, "page", page)
				duplicates++
				continue
			}
			seen[id] = struct{}{}
			records = append(records, rec)
		}

		cumulative += int64(len(result.Content))
		e.logger.Info("page extracted",
			"source", src.Name,
			"page", page,
			"records", len(records),
			"total_elements", result.TotalElements)

		if err := emit(PageResult{
			Index:         page,
			Records:       records,
			Duplicates:    duplicates,
			TotalElements: result.TotalElements,
		}); err != nil {
			return err
		}

		if len(result.Content) < e.pageSize {
			return nil
		}
		if result.TotalElements > 0 && cumulative >= result.TotalElements {
			return nil
		}
	}
}
