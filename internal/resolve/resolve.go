// Package resolve turns a (source, asset) pair into the concrete URL the
// source serves the asset under.
package resolve

import (
	"fmt"
	"path"

	"github.com/italolelis/dlc_downloader/internal/catalog"
	"github.com/italolelis/dlc_downloader/internal/source"
)

// UnresolvableError means a source cannot serve an asset. It is never fatal;
// callers drop the source from the candidate list.
type UnresolvableError struct {
	Source string // Name of the source
	Asset  string // Key of the asset
	Reason string // Human-readable explanation
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("source %s cannot serve %s: %s", e.Source, e.Asset, e.Reason)
}

// Resolve returns the URL src serves asset under. It is pure: it reads only
// its arguments.
func Resolve(src source.Source, asset catalog.Asset) (string, error) {
	if asset.RelativePath == "" {
		return "", unresolvable(src, asset, "asset has no relative path")
	}

	switch layout := src.Layout.(type) {
	case source.Direct, source.Indexed:
		return source.JoinURL(src.BaseURL, asset.RelativePath), nil

	case source.ReleaseMapped:
		published, ok := lookup(layout.Mapping, asset)
		if !ok {
			return "", unresolvable(src, asset, "no name mapping entry")
		}

		return source.JoinURL(src.BaseURL, published), nil

	case source.ReleaseRanged:
		published, ok := lookup(layout.Mapping, asset)
		if !ok {
			return "", unresolvable(src, asset, "no name mapping entry")
		}

		if !asset.HasIndex {
			return "", unresolvable(src, asset, "asset has no numeric index")
		}

		tag, ok := layout.TagFor(asset.NumericIndex)
		if !ok {
			return "", unresolvable(src, asset, fmt.Sprintf("index %d is outside every release range", asset.NumericIndex))
		}

		return source.JoinURL(src.BaseURL, tag, published), nil

	default:
		return "", unresolvable(src, asset, fmt.Sprintf("unsupported format %q", src.Kind()))
	}
}

// lookup tries the full relative path first, then the bare filename.
func lookup(m source.NameMapping, asset catalog.Asset) (string, bool) {
	if published, ok := m.Lookup(asset.RelativePath); ok {
		return published, true
	}

	return m.Lookup(path.Base(asset.RelativePath))
}

func unresolvable(src source.Source, asset catalog.Asset, reason string) *UnresolvableError {
	return &UnresolvableError{Source: src.Name, Asset: asset.Key, Reason: reason}
}
