package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads rule files: .rego sources and .json rule definitions.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a rule loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "rules-loader").Logger(),
	}
}

// LoadFromPaths loads rules from a list of files or directories.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Rule, error) {
	var all []Rule
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rules, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, rules...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Rules loaded from paths")

	return all, nil
}

// loadFromPath loads a single file, or every rule file under a directory.
func (l *Loader) loadFromPath(path string) ([]Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		rule, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Rule{*rule}, nil
	}

	// Walk the directory; a broken file is logged and skipped
	var rules []Rule
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || (!strings.HasSuffix(p, ".rego") && !strings.HasSuffix(p, ".json")) {
			return nil
		}
		rule, err := l.loadFromFile(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to load rule file")
			return nil
		}
		rules = append(rules, *rule)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return rules, nil
}

// loadFromFile parses one rule file based on its extension.
func (l *Loader) loadFromFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".rego"):
		return parseRegoFile(path, string(data)), nil
	case strings.HasSuffix(path, ".json"):
		return parseJSONFile(path, data)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

// parseRegoFile builds a rule named after the file. A leading comment block
// becomes the description; a "# severity: <level>" line sets the severity.
func parseRegoFile(path, content string) *Rule {
	description, severity := parseHeader(content)
	return &Rule{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}
}

// parseJSONFile decodes a Rule, naming it after the file when unnamed.
func parseJSONFile(path string, data []byte) (*Rule, error) {
	var rule Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse JSON rule: %w", err)
	}
	if rule.Name == "" {
		rule.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}
	rule.Source = path
	return &rule, nil
}

// parseHeader reads the comment block at the top of a Rego source.
func parseHeader(content string) (string, Severity) {
	var (
		description strings.Builder
		severity    = SeverityWarning
	)
	for _, line := range strings.Split(content, "\n") {
		// The header ends at the first line of code
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			switch s := Severity(strings.TrimSpace(level)); s {
			case SeverityInfo, SeverityWarning, SeverityError:
				severity = s
			}
			continue
		}
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}
	return description.String(), severity
}
