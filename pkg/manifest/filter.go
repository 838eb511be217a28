package manifest

import (
	"regexp"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// Filters narrow a run to matching URLs and browser aliases. Nil patterns
// match everything.
type Filters struct {
	IncludeURL     *regexp.Regexp
	ExcludeURL     *regexp.Regexp
	IncludeBrowser *regexp.Regexp
	ExcludeBrowser *regexp.Regexp
}

// CompileFilters compiles the non-empty patterns.
func CompileFilters(includeURL, excludeURL, includeBrowser, excludeBrowser string) (Filters, error) {
	var f Filters
	for _, p := range []struct {
		flag    string
		pattern string
		dst     **regexp.Regexp
	}{
		{"include-url", includeURL, &f.IncludeURL},
		{"exclude-url", excludeURL, &f.ExcludeURL},
		{"include-browser", includeBrowser, &f.IncludeBrowser},
		{"exclude-browser", excludeBrowser, &f.ExcludeBrowser},
	} {
		if p.pattern == "" {
			continue
		}
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			return Filters{}, shoterrors.Wrap(err, shoterrors.ErrCodeInvalidInput, "invalid filter").
				WithContext("filter", p.flag)
		}
		*p.dst = re
	}
	return f, nil
}

// Allows reports whether (url, alias) is in scope.
func (f Filters) Allows(url, alias string) bool {
	if f.IncludeURL != nil && !f.IncludeURL.MatchString(url) {
		return false
	}
	if f.ExcludeURL != nil && f.ExcludeURL.MatchString(url) {
		return false
	}
	if f.IncludeBrowser != nil && !f.IncludeBrowser.MatchString(alias) {
		return false
	}
	if f.ExcludeBrowser != nil && f.ExcludeBrowser.MatchString(alias) {
		return false
	}
	return true
}

// Empty reports whether no pattern is set.
func (f Filters) Empty() bool {
	return f.IncludeURL == nil && f.ExcludeURL == nil && f.IncludeBrowser == nil && f.ExcludeBrowser == nil
}
