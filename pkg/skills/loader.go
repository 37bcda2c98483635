package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ParseDocument splits a skill file into YAML frontmatter and markdown body
// and normalizes the metadata.
func ParseDocument(raw string) (Doc, error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return Doc{}, errors.New("skill file is missing YAML frontmatter")
	}

	rest := normalized[4:]
	closing := strings.Index(rest, "\n---\n")
	if closing < 0 {
		return Doc{}, errors.New("skill file has unterminated YAML frontmatter")
	}

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(rest[:closing]), &fm); err != nil {
		return Doc{}, fmt.Errorf("failed to parse skill frontmatter: %w", err)
	}

	meta, err := normalizeMeta(fm)
	if err != nil {
		return Doc{}, err
	}

	return Doc{
		Meta: meta,
		Body: strings.TrimSpace(rest[closing+5:]),
	}, nil
}

func normalizeMeta(fm Frontmatter) (Meta, error) {
	name := strings.TrimSpace(fm.Name)
	if name == "" {
		return Meta{}, errors.New("skill name cannot be empty")
	}
	description := strings.TrimSpace(fm.Description)
	if description == "" {
		return Meta{}, errors.New("skill description cannot be empty")
	}

	riskLevel := strings.ToLower(strings.TrimSpace(fm.RiskLevel))
	if riskLevel == "" {
		riskLevel = "safe_read"
	}

	enabled := true
	if fm.Enabled != nil {
		enabled = *fm.Enabled
	}

	return Meta{
		Name:         name,
		Description:  description,
		Tags:         normalizeList(fm.Tags),
		Triggers:     normalizeList(fm.Triggers),
		AllowedTools: normalizeList(fm.AllowedTools),
		RiskLevel:    riskLevel,
		Version:      strings.TrimSpace(fm.Version),
		Enabled:      enabled,
	}, nil
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := strings.ToLower(strings.TrimSpace(v)); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// BuiltinCoreWorkspaceSkill is always active and grants the core filesystem
// and shell tools.
func BuiltinCoreWorkspaceSkill() Doc {
	body := strings.Join([]string{
		"When to use:",
		"- Always available as foundational workspace capability.",
		"",
		"Procedure:",
		"1. Use `read_file` before modifying files.",
		"2. Prefer `edit_file` for targeted changes.",
		"3. Use `write_file` for full rewrites or new files.",
		"4. Use `exec` for build/test/check commands scoped to workspace.",
		"",
		"Failure handling:",
		"- If an edit target is ambiguous, request more context before editing.",
		"- If command output is empty or truncated, run narrower commands.",
	}, "\n")

	return Doc{
		Meta: Meta{
			Name:         "core-workspace",
			Description:  "Built-in core tools for reading/writing/editing files and executing shell commands.",
			Tags:         []string{"filesystem", "editing", "shell"},
			Triggers:     []string{"read", "write", "edit", "command", "shell", "bash"},
			AllowedTools: []string{"read_file", "write_file", "edit_file", "exec"},
			RiskLevel:    "mixed",
			Version:      "1",
			Enabled:      true,
		},
		Body:         body,
		AlwaysActive: true,
	}
}

// LoadDir loads every skill under dir: top-level *.md files, <dir>/SKILL.md
// and one nested level of */SKILL.md. Unparseable files are skipped with a
// warning. The built-in core workspace skill is always first.
func LoadDir(dir string) []Doc {
	docs := []Doc{BuiltinCoreWorkspaceSkill()}

	if _, err := os.Stat(dir); err != nil {
		log.Debug().Str("dir", dir).Msg("skills directory not found, using built-ins only")
		return docs
	}

	paths, err := skillPaths(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to scan skills directory")
		return docs
	}

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable skill")
			continue
		}
		doc, err := ParseDocument(string(raw))
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping invalid skill")
			continue
		}
		if !doc.Meta.Enabled {
			log.Debug().Str("skill", doc.Meta.Name).Msg("skipping disabled skill")
			continue
		}
		doc.SourcePath = path
		docs = append(docs, doc)
	}

	log.Info().Int("count", len(docs)).Str("dir", dir).Msg("skills loaded")
	return docs
}

func skillPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read skills directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !entry.IsDir() {
			if strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
				paths = append(paths, path)
			}
			continue
		}

		direct := filepath.Join(path, "SKILL.md")
		if info, err := os.Stat(direct); err == nil && !info.IsDir() {
			paths = append(paths, direct)
			continue
		}

		nested, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read skill folder %s: %w", path, err)
		}
		for _, ne := range nested {
			if !ne.IsDir() {
				continue
			}
			candidate := filepath.Join(path, ne.Name(), "SKILL.md")
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				paths = append(paths, candidate)
			}
		}
	}

	sort.Strings(paths)
	return paths, nil
}
