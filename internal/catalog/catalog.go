// Package catalog lists the read-only project collaborators a client can browse:
// markdown documents and slash commands. Entries may start with a YAML front matter block.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"convohub/internal/logging"

	"gopkg.in/yaml.v3"
)

// DocFile is one entry of docs:list.
type DocFile struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"` // relative to the project
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// SlashCommand is one entry of commands:list.
type SlashCommand struct {
	Name         string `json:"name"` // "/review" or "/git:commit" for nested files
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argumentHint,omitempty"`
	Model        string `json:"model,omitempty"`
	Source       string `json:"source"` // project or user
	Path         string `json:"path"`
}

// Provider is what the session hub asks for catalogs.
type Provider interface {
	Docs(ctx context.Context, project string) ([]DocFile, error)
	Commands(ctx context.Context, project string) ([]SlashCommand, error)
}

// frontMatter holds the recognised keys; unknown keys are ignored.
type frontMatter struct {
	Title        string `yaml:"title"`
	Description  string `yaml:"description"`
	ArgumentHint string `yaml:"argument-hint"`
	Model        string `yaml:"model"`
}

// FS reads catalogs from the filesystem.
type FS struct {
	// UserCommandsDir holds commands available in every project; empty disables them.
	UserCommandsDir string
}

// New returns a filesystem provider. The user commands directory defaults to ~/.claude/commands.
func New(userCommandsDir string) *FS {
	if userCommandsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			userCommandsDir = filepath.Join(home, ".claude", "commands")
		}
	}
	return &FS{UserCommandsDir: userCommandsDir}
}

// Docs lists CLAUDE.md and every markdown file under <project>/docs, sorted by path.
func (c *FS) Docs(ctx context.Context, project string) ([]DocFile, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "Docs")
	defer timer.Stop()

	docs := []DocFile{}
	add := func(path string, info fs.FileInfo) {
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Get(logging.CategoryCatalog).Warn("skipping %s: %v", path, err)
			return
		}
		meta, body := splitFrontMatter(path, data)
		rel, _ := filepath.Rel(project, path)
		doc := DocFile{
			Name:        info.Name(),
			Path:        filepath.ToSlash(rel),
			Title:       meta.Title,
			Description: meta.Description,
			Size:        info.Size(),
			ModifiedAt:  info.ModTime().UTC(),
		}
		if doc.Title == "" {
			doc.Title = firstHeading(body)
		}
		if doc.Title == "" {
			doc.Title = strings.TrimSuffix(info.Name(), filepath.Ext(info.Name()))
		}
		docs = append(docs, doc)
	}

	root := filepath.Join(project, "CLAUDE.md")
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		add(root, info)
	}

	err := walkMarkdown(ctx, filepath.Join(project, "docs"), add)
	if err != nil {
		return nil, fmt.Errorf("failed to list docs in %s: %w", project, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	logging.CatalogDebug("docs: %d in %s", len(docs), project)
	return docs, nil
}

// Commands lists slash commands from <project>/.claude/commands and the user directory.
// A project command shadows a user command of the same name.
func (c *FS) Commands(ctx context.Context, project string) ([]SlashCommand, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "Commands")
	defer timer.Stop()

	byName := make(map[string]SlashCommand)
	collect := func(dir, source string) error {
		return walkMarkdown(ctx, dir, func(path string, info fs.FileInfo) {
			data, err := os.ReadFile(path)
			if err != nil {
				logging.Get(logging.CategoryCatalog).Warn("skipping %s: %v", path, err)
				return
			}
			meta, body := splitFrontMatter(path, data)
			rel, _ := filepath.Rel(dir, path)
			cmd := SlashCommand{
				Name:         commandName(rel),
				Description:  meta.Description,
				ArgumentHint: meta.ArgumentHint,
				Model:        meta.Model,
				Source:       source,
				Path:         path,
			}
			if cmd.Description == "" {
				cmd.Description = firstLine(body)
			}
			byName[cmd.Name] = cmd
		})
	}

	if c.UserCommandsDir != "" {
		if err := collect(c.UserCommandsDir, "user"); err != nil {
			return nil, fmt.Errorf("failed to list user commands: %w", err)
		}
	}
	if err := collect(filepath.Join(project, ".claude", "commands"), "project"); err != nil {
		return nil, fmt.Errorf("failed to list project commands: %w", err)
	}

	cmds := make([]SlashCommand, 0, len(byName))
	for _, cmd := range byName {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	logging.CatalogDebug("commands: %d for %s", len(cmds), project)
	return cmds, nil
}

// walkMarkdown calls fn for each .md file below dir. A missing dir is empty.
func walkMarkdown(ctx context.Context, dir string, fn func(path string, info fs.FileInfo)) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fn(path, info)
		return nil
	})
}

// splitFrontMatter separates a leading "---" YAML block from the body. Malformed front matter is
// logged and ignored.
func splitFrontMatter(path string, data []byte) (frontMatter, []byte) {
	var meta frontMatter
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return meta, normalized
	}
	rest := normalized[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return meta, normalized
	}
	block := rest[:end]
	body := rest[end+4:]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	if err := yaml.Unmarshal(block, &meta); err != nil {
		logging.Get(logging.CategoryCatalog).Warn("bad front matter in %s: %v", path, err)
		return frontMatter{}, body
	}
	return meta, body
}

func commandName(rel string) string {
	rel = strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
	return "/" + strings.ReplaceAll(rel, "/", ":")
}

func firstHeading(body []byte) string {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

func firstLine(body []byte) string {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			if len(line) > 120 {
				line = line[:117] + "..."
			}
			return line
		}
	}
	return ""
}
