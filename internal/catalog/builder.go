package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/source"
	"golang.org/x/sync/errgroup"
)

// maxIndexSize bounds how much of an index document is read.
const maxIndexSize = 16 << 20

// ErrNoIndexedSource is returned when the registry has no enabled indexed source.
var ErrNoIndexedSource = errors.New("no enabled indexed source to build the catalog from")

// Builder fetches index documents and merges them into a Catalog.
type Builder struct {
	client *http.Client
}

// NewBuilder returns a Builder using client for index requests.
func NewBuilder(client *http.Client) *Builder {
	if client == nil {
		client = http.DefaultClient
	}

	return &Builder{client: client}
}

// Build fetches the index document of every enabled indexed source
// concurrently and merges them in priority order, first entry wins. Sources
// whose index cannot be fetched are skipped; Build only fails when none
// could be read.
func (b *Builder) Build(ctx context.Context, reg *source.Registry) (*Catalog, error) {
	logger := logctx.LoggerFromContext(ctx)

	var indexed []source.Source

	for _, src := range reg.EnabledByPriority() {
		if src.Kind() == source.KindIndexed {
			indexed = append(indexed, src)
		}
	}

	if len(indexed) == 0 {
		return nil, ErrNoIndexedSource
	}

	results := make([][]Asset, len(indexed))
	failures := make([]error, len(indexed))

	g, gctx := errgroup.WithContext(ctx)

	for i, src := range indexed {
		g.Go(func() error {
			assets, err := b.fetch(gctx, reg, src)
			if err != nil {
				failures[i] = err

				logger.Warn("failed to read index document", "source", src.Name, "err", err)

				return nil
			}

			results[i] = assets

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var merged []Asset

	read := 0

	for i := range indexed {
		if failures[i] != nil {
			continue
		}

		read++

		merged = append(merged, results[i]...)
	}

	if read == 0 {
		return nil, fmt.Errorf("no index document could be read: %w", errors.Join(failures...))
	}

	c := New(merged)

	logger.Info("catalog built", "assets", c.Len(), "indexes", read)

	return c, nil
}

func (b *Builder) fetch(ctx context.Context, reg *source.Registry, src source.Source) ([]Asset, error) {
	layout, _ := src.Layout.(source.Indexed)
	docURL := layout.IndexDocumentURL(src.BaseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build index request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", docURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", docURL, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", docURL, err)
	}

	if len(data) > maxIndexSize {
		return nil, fmt.Errorf("index document %s exceeds %s", docURL, humanize.IBytes(maxIndexSize))
	}

	return ParseIndexDocument(data, reg.AppScope(), reg.CanonicalRoot(), src.BaseURL)
}
