package manifest

import (
	"github.com/odvcencio/shotdiff/pkg/orchestrator"
)

// Build expands the manifest into one work item per (page, alias), pages and
// aliases in manifest order. Items the filters reject are preclassified as
// skipped. Golden entries the manifest no longer lists follow as removed
// items, sorted by page and alias; out-of-scope ones are left out.
func Build(m *Manifest, golden GoldenIndex, filters Filters, defaults orchestrator.FlakeConfig) ([]*orchestrator.WorkItem, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	base := m.Flake.Apply(defaults)

	var items []*orchestrator.WorkItem
	listed := make(map[string]map[string]struct{}, len(m.Pages))
	for _, page := range m.Pages {
		url, err := m.URL(page.Path)
		if err != nil {
			return nil, invalid("page %q: %v", page.Path, err)
		}
		flake := page.Flake.Apply(base)
		aliases := page.Browsers
		if len(aliases) == 0 {
			aliases = m.Browsers
		}

		listed[page.Path] = make(map[string]struct{}, len(aliases))
		for _, alias := range aliases {
			listed[page.Path][alias] = struct{}{}
			item := orchestrator.NewWorkItem(page.Path, url, alias, flake)
			item.GoldenPath = golden.Path(page.Path, alias)
			if !filters.Allows(url, alias) {
				item.Preclassified = orchestrator.ClassSkipped
			}
			items = append(items, item)
		}
	}

	for _, entry := range golden.Entries() {
		if _, ok := listed[entry.Page][entry.Alias]; ok {
			continue
		}
		url, err := m.URL(entry.Page)
		if err != nil {
			url = ""
		}
		if !filters.Allows(url, entry.Alias) {
			continue
		}
		item := orchestrator.NewWorkItem(entry.Page, url, entry.Alias, base)
		item.GoldenPath = entry.Path
		item.Preclassified = orchestrator.ClassRemoved
		items = append(items, item)
	}
	return items, nil
}
