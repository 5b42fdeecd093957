package catalog

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
)

// indexEntry is one asset of an index document. Publishers disagree on the
// checksum field name, so all three spellings are accepted.
type indexEntry struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	SHA256   string `json:"sha256"`
	Hash     string `json:"hash"`
}

type indexSection struct {
	DLCs map[string]indexEntry `json:"dlcs"`
}

// ParseIndexDocument decodes an index document of the form
// {"<app_scope>": {"dlcs": {"<key>": {"name", "url", "size"}}}}.
//
// Only the appScope section is read; with an empty appScope every section is
// read in key order. Entry URLs are turned into relative paths by stripping
// the first matching root.
func ParseIndexDocument(data []byte, appScope string, roots ...string) ([]Asset, error) {
	var doc map[string]indexSection
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode index document: %w", err)
	}

	var scopes []string

	if appScope != "" {
		if _, ok := doc[appScope]; !ok {
			return nil, fmt.Errorf("index document has no section %q", appScope)
		}

		scopes = []string{appScope}
	} else {
		for scope := range doc {
			scopes = append(scopes, scope)
		}

		sort.Strings(scopes)
	}

	var assets []Asset

	for _, scope := range scopes {
		keys := make([]string, 0, len(doc[scope].DLCs))
		for key := range doc[scope].DLCs {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		for _, key := range keys {
			entry := doc[scope].DLCs[key]

			rel, err := relativePath(entry.URL, roots)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", key, err)
			}

			idx, ok := ParseIndex(key)

			assets = append(assets, Asset{
				Key:          key,
				Name:         entry.Name,
				RelativePath: rel,
				NumericIndex: idx,
				HasIndex:     ok,
				Size:         entry.Size,
				Checksum:     entry.checksum(),
			})
		}
	}

	return assets, nil
}

// LoadIndexFile reads an index document from disk.
func LoadIndexFile(path, appScope string, roots ...string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index file: %w", err)
	}

	assets, err := ParseIndexDocument(data, appScope, roots...)
	if err != nil {
		return nil, err
	}

	return New(assets), nil
}

func (e indexEntry) checksum() string {
	switch {
	case e.Checksum != "":
		return e.Checksum
	case e.SHA256 != "":
		if strings.Contains(e.SHA256, ":") {
			return e.SHA256
		}

		return "sha256:" + e.SHA256
	default:
		return e.Hash
	}
}

// relativePath strips the first root prefixing rawURL. When none matches, the
// URL path without its leading slash is used.
func relativePath(rawURL string, roots []string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("missing url")
	}

	for _, root := range roots {
		if root == "" {
			continue
		}

		root = strings.TrimRight(root, "/") + "/"
		if strings.HasPrefix(rawURL, root) {
			return strings.TrimLeft(strings.TrimPrefix(rawURL, root), "/"), nil
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	rel := strings.TrimLeft(u.Path, "/")
	if rel == "" {
		return "", fmt.Errorf("url %q has no path", rawURL)
	}

	return rel, nil
}
