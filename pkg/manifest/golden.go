package manifest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// GoldenIndex maps page paths to the golden image of every alias:
//
//	{"/home": {"screenshots": {"desktop_windows_chrome@latest": "golden/home/chrome.png"}}}
type GoldenIndex map[string]GoldenPage

// GoldenPage holds the golden image paths of one page, keyed by alias.
type GoldenPage struct {
	Screenshots map[string]string `json:"screenshots"`
}

// LoadGoldenIndex reads golden.json. A missing file is an empty index, which
// makes every screenshot "added".
func LoadGoldenIndex(path string) (GoldenIndex, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return GoldenIndex{}, nil
	}
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageRead, "reading golden index").
			WithContext("path", path)
	}
	var idx GoldenIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageCorrupt, "parsing golden index").
			WithContext("path", path)
	}
	if idx == nil {
		idx = GoldenIndex{}
	}
	return idx, nil
}

// Save writes the index as indented JSON.
func (g GoldenIndex) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeInternal, "encoding golden index")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "creating golden index dir")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "writing golden index").
			WithContext("path", path)
	}
	return nil
}

// Path returns the golden image of (page, alias), or "".
func (g GoldenIndex) Path(page, alias string) string {
	return g[page].Screenshots[alias]
}

// Set records the golden image of (page, alias).
func (g GoldenIndex) Set(page, alias, imagePath string) {
	entry := g[page]
	if entry.Screenshots == nil {
		entry.Screenshots = make(map[string]string)
	}
	entry.Screenshots[alias] = imagePath
	g[page] = entry
}

// Entry is one (page, alias) pair of the index.
type Entry struct {
	Page  string
	Alias string
	Path  string
}

// Entries lists every pair sorted by page then alias.
func (g GoldenIndex) Entries() []Entry {
	var out []Entry
	for page, entry := range g {
		for alias, p := range entry.Screenshots {
			out = append(out, Entry{Page: page, Alias: alias, Path: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}
