package routing

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/storage"
)

// RulesFileName is the routing rules file at a main workspace root.
const RulesFileName = "routes.yaml"

// Rule sends tiddlers in the tag tree of Tag to the sub-workspace folder
// named Folder.
type Rule struct {
	Tag    string `yaml:"tag"`
	Folder string `yaml:"folder"`
}

// RulesPath returns the rules file for a main workspace folder.
func RulesPath(mainFolder string) string {
	return filepath.Join(mainFolder, RulesFileName)
}

// ReadRules parses the rules file. One rule per line, each a YAML flow
// mapping; blank lines and # comments are ignored. A missing file holds no
// rules. Malformed lines are reported with their line number.
func ReadRules(path string) ([]Rule, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	var out []Rule
	for i, line := range lines {
		r, ok, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("routing: %s:%d: %w", path, i+1, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// UpsertRule replaces the rule for r.Folder, or appends it.
func UpsertRule(path string, r Rule) error {
	if r.Tag == "" || r.Folder == "" {
		return fmt.Errorf("routing: rule needs both tag and folder")
	}
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	encoded, err := formatRule(r)
	if err != nil {
		return err
	}
	replaced := false
	for i, line := range lines {
		existing, ok, err := parseLine(line)
		if err != nil || !ok {
			continue
		}
		if existing.Folder == r.Folder {
			lines[i] = encoded
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, encoded)
	}
	return writeLines(path, lines)
}

// RemoveRule drops every rule for folder. Removing an absent rule is not
// an error.
func RemoveRule(path, folder string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		existing, ok, err := parseLine(line)
		if err == nil && ok && existing.Folder == folder {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == len(lines) {
		return nil
	}
	return writeLines(path, kept)
}

// ApplyRules fills in routing tags on sub-workspaces from rules, matched
// by SubFolderName. A rule overrides any tag already set on the workspace.
func ApplyRules(rules []Rule, subs []models.Workspace) []models.Workspace {
	byFolder := make(map[string]string, len(rules))
	for _, r := range rules {
		byFolder[r.Folder] = r.Tag
	}
	out := append([]models.Workspace(nil), subs...)
	for i := range out {
		if tag, ok := byFolder[out[i].SubFolderName]; ok {
			out[i].RoutingTag = tag
		}
	}
	return out
}

func parseLine(line string) (Rule, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Rule{}, false, nil
	}
	var r Rule
	if err := yaml.Unmarshal([]byte(trimmed), &r); err != nil {
		return Rule{}, false, err
	}
	if r.Tag == "" || r.Folder == "" {
		return Rule{}, false, fmt.Errorf("rule needs both tag and folder")
	}
	return r, true, nil
}

func formatRule(r Rule) (string, error) {
	node := &yaml.Node{
		Kind:  yaml.MappingNode,
		Style: yaml.FlowStyle,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "tag"},
			{Kind: yaml.ScalarNode, Value: r.Tag},
			{Kind: yaml.ScalarNode, Value: "folder"},
			{Kind: yaml.ScalarNode, Value: r.Folder},
		},
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("routing: encode rule: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("routing: read rules: %w", err)
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), "\n"), nil
}

func writeLines(path string, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := storage.WriteAtomic(path, []byte(content)); err != nil {
		return fmt.Errorf("routing: write rules: %w", err)
	}
	return nil
}
