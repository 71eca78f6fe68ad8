package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDocs(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "CLAUDE.md"), "# Project rules\n\nbe nice\n")
	writeFile(t, filepath.Join(project, "docs", "arch.md"), "---\ntitle: Architecture\ndescription: how it fits\n---\n# Ignored heading\n")
	writeFile(t, filepath.Join(project, "docs", "guides", "setup.md"), "no heading here\n")
	writeFile(t, filepath.Join(project, "docs", "notes.txt"), "not markdown")
	writeFile(t, filepath.Join(project, "docs", ".hidden", "x.md"), "# hidden")

	docs, err := New(t.TempDir()).Docs(context.Background(), project)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, "CLAUDE.md", docs[0].Path)
	assert.Equal(t, "Project rules", docs[0].Title)

	assert.Equal(t, "docs/arch.md", docs[1].Path)
	assert.Equal(t, "Architecture", docs[1].Title)
	assert.Equal(t, "how it fits", docs[1].Description)

	assert.Equal(t, "docs/guides/setup.md", docs[2].Path)
	assert.Equal(t, "setup", docs[2].Title)
}

func TestDocs_EmptyProject(t *testing.T) {
	docs, err := New(t.TempDir()).Docs(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.NotNil(t, docs)
}

func TestCommands(t *testing.T) {
	project := t.TempDir()
	user := t.TempDir()
	writeFile(t, filepath.Join(user, "review.md"), "---\ndescription: user review\n---\nReview it.\n")
	writeFile(t, filepath.Join(user, "lint.md"), "Run the linters\n")
	writeFile(t, filepath.Join(project, ".claude", "commands", "review.md"),
		"---\ndescription: project review\nargument-hint: \"[file]\"\n---\nReview $ARGUMENTS\n")
	writeFile(t, filepath.Join(project, ".claude", "commands", "git", "commit.md"), "# Commit staged work\n")

	cmds, err := New(user).Commands(context.Background(), project)
	require.NoError(t, err)

	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"/git:commit", "/lint", "/review"}, names)

	assert.Equal(t, "Commit staged work", cmds[0].Description)
	assert.Equal(t, "project", cmds[0].Source)
	assert.Equal(t, "Run the linters", cmds[1].Description)
	assert.Equal(t, "user", cmds[1].Source)
	assert.Equal(t, "project review", cmds[2].Description)
	assert.Equal(t, "[file]", cmds[2].ArgumentHint)
	assert.Equal(t, "project", cmds[2].Source)
}

func TestSplitFrontMatter_Malformed(t *testing.T) {
	meta, body := splitFrontMatter("x.md", []byte("---\ndescription: [unterminated\n---\nbody\n"))
	assert.Empty(t, meta.Description)
	assert.Equal(t, "body\n", string(body))

	meta, body = splitFrontMatter("y.md", []byte("---\r\ntitle: T\r\n---\r\ntext"))
	assert.Equal(t, "T", meta.Title)
	assert.Equal(t, "text", string(body))
}

func TestCommands_Cancelled(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, ".claude", "commands", "a.md"), "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(t.TempDir()).Commands(ctx, project)
	assert.ErrorIs(t, err, context.Canceled)
}
