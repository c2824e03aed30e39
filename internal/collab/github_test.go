package collab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitRepoRef(t *testing.T) {
	cases := []struct {
		name  string
		ref   string
		owner string
		repo  string
		ok    bool
	}{
		{"bare owner/name", "acme/web", "acme", "web", true},
		{"https url", "https://github.com/acme/web", "acme", "web", true},
		{"https url with .git", "https://github.com/acme/web.git", "acme", "web", true},
		{"ssh form", "git@github.com:acme/web.git", "acme", "web", true},
		{"trailing slash", "https://github.com/acme/web/", "acme", "web", true},
		{"owner only", "acme", "", "", false},
		{"deep path", "acme/web/tree/main", "", "", false},
		{"bare host", "https://github.com", "", "", false},
		{"empty", "", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			owner, repo, ok := splitRepoRef(tc.ref)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.owner, owner)
			require.Equal(t, tc.repo, repo)
		})
	}
}
