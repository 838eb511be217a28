// Package giturl parses git remotes and resolves the commit a run reports
// its status against.
package giturl

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

// Remote is a parsed git remote URL.
type Remote struct {
	Scheme string
	Host   string
	Owner  string
	Name   string
}

// Slug returns "owner/name".
func (r Remote) Slug() string {
	return r.Owner + "/" + r.Name
}

// OnHost reports whether the remote's host matches one of patterns. A
// pattern is an exact host, "*.example.com" for strict subdomains or
// ".example.com" for the domain and its subdomains. With no patterns the
// host must be github.com.
func (r Remote) OnHost(patterns ...string) bool {
	if len(patterns) == 0 {
		patterns = []string{"github.com"}
	}
	for _, p := range patterns {
		if hostMatchesPattern(p, r.Host) {
			return true
		}
	}
	return false
}

// ParseRemote parses https://, ssh:// and scp-style ([user@]host:owner/repo)
// remotes. The path must end in owner/name; a trailing ".git" is dropped.
func ParseRemote(raw string) (Remote, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Remote{}, fmt.Errorf("git URL is empty")
	}

	var r Remote
	var repoPath string
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Remote{}, fmt.Errorf("invalid git URL: %w", err)
		}
		r.Scheme = strings.ToLower(u.Scheme)
		r.Host = hostnameFromHostPort(u.Host)
		if r.Scheme != "file" && r.Host == "" {
			return Remote{}, fmt.Errorf("git URL host is required for scheme %q", r.Scheme)
		}
		repoPath = u.Path
	} else {
		colon := strings.Index(raw, ":")
		if colon <= 0 || colon >= len(raw)-1 {
			return Remote{}, fmt.Errorf("invalid git URL %q", raw)
		}
		hostPart := raw[:colon]
		if strings.ContainsAny(hostPart, "/\\") || strings.ContainsAny(raw, " \t\r\n") {
			return Remote{}, fmt.Errorf("invalid git URL %q", raw)
		}
		if idx := strings.LastIndex(hostPart, "@"); idx >= 0 {
			hostPart = hostPart[idx+1:]
		}
		r.Scheme = "ssh"
		r.Host = hostnameFromHostPort(hostPart)
		repoPath = raw[colon+1:]
	}
	r.Host = strings.ToLower(r.Host)

	repoPath = strings.TrimSuffix(strings.Trim(path.Clean("/"+repoPath), "/"), ".git")
	parts := strings.Split(repoPath, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" || parts[len(parts)-2] == "" {
		return Remote{}, fmt.Errorf("git URL %q has no owner/name path", raw)
	}
	r.Owner = parts[len(parts)-2]
	r.Name = parts[len(parts)-1]
	return r, nil
}

func hostnameFromHostPort(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.TrimSpace(host)
	}
	if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
		return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
	}
	return hostport
}

func hostMatchesPattern(pattern string, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if pattern == "" || host == "" {
		return false
	}
	if pattern == "*" {
		return true
	}

	if strings.HasPrefix(pattern, "*.") {
		suffix := strings.TrimPrefix(pattern, "*")
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		return host != strings.TrimPrefix(suffix, ".")
	}
	if strings.HasPrefix(pattern, ".") {
		return host == strings.TrimPrefix(pattern, ".") || strings.HasSuffix(host, pattern)
	}
	return host == pattern
}
