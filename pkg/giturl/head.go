package giturl

import (
	"fmt"

	"github.com/go-git/go-git/v5"
)

// DefaultRemote is the remote whose URL names the repository.
const DefaultRemote = "origin"

// Head is the commit checked out in a working tree.
type Head struct {
	SHA    string
	Branch string
	Remote Remote
	// HasRemote is false when the repository has no usable remote.
	HasRemote bool
}

// Slug returns the owner/name of the remote, or "" without one.
func (h Head) Slug() string {
	if !h.HasRemote {
		return ""
	}
	return h.Remote.Slug()
}

// ResolveHead opens the repository containing dir and reads HEAD and the
// URL of remoteName (DefaultRemote when empty). A missing or unparseable
// remote is not an error.
func ResolveHead(dir, remoteName string) (Head, error) {
	if remoteName == "" {
		remoteName = DefaultRemote
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return Head{}, fmt.Errorf("not a git repository: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return Head{}, fmt.Errorf("get HEAD: %w", err)
	}
	head := Head{SHA: ref.Hash().String()}
	if ref.Name().IsBranch() {
		head.Branch = ref.Name().Short()
	}

	rem, err := repo.Remote(remoteName)
	if err != nil {
		return head, nil
	}
	for _, raw := range rem.Config().URLs {
		if parsed, err := ParseRemote(raw); err == nil {
			head.Remote = parsed
			head.HasRemote = true
			break
		}
	}
	return head, nil
}
