package giturl

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRemote(t *testing.T) {
	cases := []struct {
		raw    string
		scheme string
		host   string
		slug   string
	}{
		{"https://github.com/acme/site.git", "https", "github.com", "acme/site"},
		{"https://github.com/acme/site", "https", "github.com", "acme/site"},
		{"ssh://git@GitHub.com:22/acme/site.git", "ssh", "github.com", "acme/site"},
		{"git@github.com:acme/site.git", "ssh", "github.com", "acme/site"},
		{"github.com:acme/site", "ssh", "github.com", "acme/site"},
		{"https://ghe.corp.test/group/sub/site.git", "https", "ghe.corp.test", "sub/site"},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			r, err := ParseRemote(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.scheme, r.Scheme)
			assert.Equal(t, tc.host, r.Host)
			assert.Equal(t, tc.slug, r.Slug())
		})
	}
}

func TestParseRemoteRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"https://github.com/acme",
		"https:///acme/site",
		"git@github.com:",
		"host/with/slash:acme/site",
		"git@github.com:acme/ site",
	} {
		_, err := ParseRemote(raw)
		assert.Error(t, err, raw)
	}
}

func TestRemoteOnHost(t *testing.T) {
	r := Remote{Host: "github.com"}
	assert.True(t, r.OnHost())
	assert.False(t, r.OnHost("gitlab.com"))

	ghe := Remote{Host: "git.corp.test"}
	assert.False(t, ghe.OnHost())
	assert.True(t, ghe.OnHost("*.corp.test"))
	assert.True(t, ghe.OnHost(".corp.test"))
	assert.True(t, Remote{Host: "corp.test"}.OnHost(".corp.test"))
	assert.False(t, Remote{Host: "corp.test"}.OnHost("*.corp.test"))
	assert.True(t, ghe.OnHost("*"))
}

func initRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte("pages: []\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("manifest.yaml")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func TestResolveHead(t *testing.T) {
	dir, sha := initRepo(t)
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: DefaultRemote,
		URLs: []string{"git@github.com:acme/site.git"},
	})
	require.NoError(t, err)

	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	head, err := ResolveHead(sub, "")
	require.NoError(t, err)
	assert.Equal(t, sha, head.SHA)
	assert.NotEmpty(t, head.Branch)
	assert.True(t, head.HasRemote)
	assert.Equal(t, "acme/site", head.Slug())
}

func TestResolveHeadWithoutRemote(t *testing.T) {
	dir, sha := initRepo(t)

	head, err := ResolveHead(dir, "upstream")
	require.NoError(t, err)
	assert.Equal(t, sha, head.SHA)
	assert.False(t, head.HasRemote)
	assert.Empty(t, head.Slug())
}

func TestResolveHeadOutsideRepository(t *testing.T) {
	_, err := ResolveHead(t.TempDir(), "")
	assert.Error(t, err)
}
