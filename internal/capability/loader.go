// Package capability implements the process-wide, startup-loaded,
// read-only Capability Index: a mapping from intent name to its category,
// complexity, and template, loaded from Markdown files with YAML
// frontmatter.
package capability

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var validCategories = map[string]bool{"query": true, "mutation": true, "analysis": true}
var validComplexities = map[string]bool{"simple": true, "medium": true, "complex": true}

// Entry is one capability-index record.
type Entry struct {
	Name       string `yaml:"name"`
	Category   string `yaml:"category"`
	Complexity string `yaml:"complexity"`
	TemplateID string `yaml:"template_id"`

	SourceFile string `yaml:"-"`
}

// LoadResult summarizes a directory load operation.
type LoadResult struct {
	Loaded int
	Errors []LoadError
}

// LoadError records a per-file parse or validation error.
type LoadError struct {
	File    string
	Message string
}

// Loader parses and validates capability definitions from Markdown files.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadDir scans dir for *.md files, parses and validates each. It returns
// entries, their template bodies, and a summary. It returns an error only
// if the directory itself cannot be read — one bad file never fails the
// whole load.
func (l *Loader) LoadDir(dir string) ([]Entry, map[string]string, *LoadResult, error) {
	correlationID := newCorrelationID()

	l.logger.Info("loading capability definitions",
		slog.String("dir", dir), slog.String("correlation_id", correlationID))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading capability directory %s: %w", dir, err)
	}

	result := &LoadResult{}
	var defs []Entry
	templates := make(map[string]string)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}

		path := filepath.Join(dir, e.Name())
		def, body, err := l.parseFile(path)
		if err != nil {
			l.logger.Warn("capability parse error",
				slog.String("file", path), slog.String("error", err.Error()),
				slog.String("correlation_id", correlationID))
			result.Errors = append(result.Errors, LoadError{File: path, Message: err.Error()})
			continue
		}

		if err := l.validate(def); err != nil {
			l.logger.Warn("capability validation error",
				slog.String("file", path), slog.String("name", def.Name),
				slog.String("error", err.Error()), slog.String("correlation_id", correlationID))
			result.Errors = append(result.Errors, LoadError{File: path, Message: err.Error()})
			continue
		}

		l.logger.Info("capability definition loaded",
			slog.String("name", def.Name), slog.String("category", def.Category),
			slog.String("complexity", def.Complexity), slog.String("template_id", def.TemplateID),
			slog.String("correlation_id", correlationID))

		defs = append(defs, *def)
		templates[def.TemplateID] = body
		result.Loaded++
	}

	l.logger.Info("capability definitions load complete",
		slog.Int("loaded", result.Loaded), slog.Int("errors", len(result.Errors)),
		slog.String("correlation_id", correlationID))

	return defs, templates, result, nil
}

// parseFile reads a Markdown file, extracts YAML frontmatter as the Entry
// and the remaining body as the template text.
func (l *Loader) parseFile(path string) (*Entry, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)

	if !scanner.Scan() {
		return nil, "", fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != "---" {
		return nil, "", fmt.Errorf("missing YAML frontmatter (file must start with ---)")
	}

	var frontmatterLines []string
	foundClose := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			foundClose = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClose {
		return nil, "", fmt.Errorf("unclosed YAML frontmatter (missing closing ---)")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("reading file: %w", err)
	}

	def := &Entry{}
	if err := yaml.Unmarshal([]byte(strings.Join(frontmatterLines, "\n")), def); err != nil {
		return nil, "", fmt.Errorf("parsing YAML frontmatter: %w", err)
	}
	def.SourceFile = path

	return def, strings.TrimSpace(strings.Join(bodyLines, "\n")), nil
}

func (l *Loader) validate(def *Entry) error {
	if def.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validCategories[def.Category] {
		return fmt.Errorf("invalid category %q (must be query, mutation, or analysis)", def.Category)
	}
	if !validComplexities[def.Complexity] {
		return fmt.Errorf("invalid complexity %q (must be simple, medium, or complex)", def.Complexity)
	}
	if def.TemplateID == "" {
		return fmt.Errorf("template_id is required")
	}
	return nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
