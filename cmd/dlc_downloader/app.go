package main

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/italolelis/dlc_downloader/internal/catalog"
	"github.com/italolelis/dlc_downloader/internal/config"
	"github.com/italolelis/dlc_downloader/internal/downloader"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/probe"
	"github.com/italolelis/dlc_downloader/internal/selector"
	"github.com/italolelis/dlc_downloader/internal/source"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"github.com/italolelis/dlc_downloader/internal/transfer"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	sources   *source.Holder
	catalog   atomic.Pointer[catalog.Catalog]
	prober    *probe.Prober
	selector  *selector.Selector
	engine    *transfer.Engine
}

func newApp(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*app, error) {
	reg, err := source.LoadFile(ctx, cfg.SourcesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}

	a := &app{
		cfg:       cfg,
		telemetry: tel,
		sources:   source.NewHolder(reg),
		prober: probe.New(probe.Options{
			MaxDuration:    cfg.Probe.MaxDuration,
			MaxBytes:       cfg.Probe.MaxBytes,
			Freshness:      cfg.Probe.Freshness,
			Workers:        cfg.Probe.Workers,
			ConnectTimeout: cfg.ConnectTimeout,
		}, tel),
		engine: transfer.New(transfer.Options{
			ChunkSize:      cfg.ChunkSize,
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
		}, tel),
	}

	a.selector = selector.New(func() selector.Registry { return a.sources.Registry() }, a.prober)

	return a, nil
}

// loadCatalog builds the catalog from INDEX_FILE when set, otherwise from the
// index documents of the indexed sources.
func (a *app) loadCatalog(ctx context.Context) (*catalog.Catalog, error) {
	logger := logctx.LoggerFromContext(ctx)
	reg := a.sources.Registry()

	var (
		cat *catalog.Catalog
		err error
	)

	if a.cfg.IndexFile != "" {
		cat, err = catalog.LoadIndexFile(a.cfg.IndexFile, reg.AppScope(), reg.CanonicalRoot())
	} else {
		client := &http.Client{
			Transport: a.telemetry.Transport(http.DefaultTransport),
			Timeout:   a.cfg.ConnectTimeout + a.cfg.ReadTimeout,
		}
		cat, err = catalog.NewBuilder(client).Build(ctx, reg)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	a.catalog.Store(cat)
	logger.Info("catalog loaded", "assets", cat.Len())

	return cat, nil
}

func (a *app) currentCatalog() *catalog.Catalog {
	if cat := a.catalog.Load(); cat != nil {
		return cat
	}

	return catalog.New(nil)
}

// reloadSources swaps in a freshly loaded sources file. The previous registry
// stays active when the new one is invalid.
func (a *app) reloadSources(ctx context.Context) error {
	reg, err := source.LoadFile(ctx, a.cfg.SourcesFile)
	if err != nil {
		return err
	}

	a.sources.Swap(reg)
	a.prober.Invalidate()

	return nil
}

// lookupAssets resolves asset keys against the catalog.
func (a *app) lookupAssets(keys []string) ([]catalog.Asset, error) {
	cat := a.currentCatalog()
	assets := make([]catalog.Asset, 0, len(keys))

	for _, key := range keys {
		asset, ok := cat.Lookup(key)
		if !ok {
			return nil, fmt.Errorf("asset %q not found in the catalog", key)
		}

		assets = append(assets, asset)
	}

	return assets, nil
}

func (a *app) newOrchestrator(ledger downloader.Ledger, instanceID string) *downloader.Orchestrator {
	o := downloader.NewOrchestrator(a.selector, a.engine, ledger, instanceID, a.telemetry)
	o.ClaimRenewal = a.cfg.ClaimLease / 3

	return o
}

func shutdownTelemetry(ctx context.Context, tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to shutdown telemetry", "err", err)
	}
}
