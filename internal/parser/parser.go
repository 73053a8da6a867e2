// Package parser reads task bundles from disk. A bundle is a story with the
// tasks decomposed from it, written either as a YAML document or as a
// markdown file whose frontmatter carries the story and task settings.
package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/lifecycle"
)

// ErrUnsupported is returned for files that are not bundles
var ErrUnsupported = errors.New("unsupported bundle file")

var (
	titleRegex    = regexp.MustCompile(`^#\s+(.+)$`)
	criteriaRegex = regexp.MustCompile(`(?i)^##\s+(success|acceptance) criteria\s*$`)
	bulletRegex   = regexp.MustCompile(`^\s*(?:[-*]|\d+\.)\s+(?:\[[ xX]\]\s+)?(.+)$`)
)

// Bundle is a story and the tasks to ingest for it
type Bundle struct {
	Source string
	Hold   bool
	Story  domain.Story
	Tasks  []lifecycle.TaskInput
}

type storyYAML struct {
	ID                 int64  `yaml:"id"`
	Title              string `yaml:"title"`
	Narrative          string `yaml:"narrative"`
	AcceptanceCriteria string `yaml:"acceptance_criteria"`
	Epic               *struct {
		ID    int64  `yaml:"id"`
		Title string `yaml:"title"`
	} `yaml:"epic"`
}

type taskYAML struct {
	Title           string   `yaml:"title"`
	Description     string   `yaml:"description"`
	SuccessCriteria []string `yaml:"success_criteria"`
	Constraints     any      `yaml:"constraints"`
	Inputs          any      `yaml:"inputs"`
	ExpectedOutputs any      `yaml:"expected_outputs"`
	Mode            string   `yaml:"mode"`
	Priority        *int     `yaml:"priority"`
	SortOrder       *int     `yaml:"sort_order"`
	MaxAttempts     *int     `yaml:"max_attempts"`
}

type bundleYAML struct {
	Source string     `yaml:"source"`
	Hold   bool       `yaml:"hold"`
	Story  storyYAML  `yaml:"story"`
	Tasks  []taskYAML `yaml:"tasks"`
}

func (s storyYAML) toDomain() domain.Story {
	story := domain.Story{
		ID:                 s.ID,
		Title:              s.Title,
		Narrative:          s.Narrative,
		AcceptanceCriteria: s.AcceptanceCriteria,
	}
	if s.Epic != nil && s.Epic.ID != 0 {
		id := s.Epic.ID
		story.EpicID = &id
		story.EpicTitle = s.Epic.Title
	}
	return story
}

func (t taskYAML) toInput() (lifecycle.TaskInput, error) {
	in := lifecycle.TaskInput{
		Title:           strings.TrimSpace(t.Title),
		Description:     strings.TrimSpace(t.Description),
		SuccessCriteria: t.SuccessCriteria,
		Mode:            domain.Mode(t.Mode),
		Priority:        t.Priority,
		SortOrder:       t.SortOrder,
		MaxAttempts:     t.MaxAttempts,
	}
	var err error
	if in.Constraints, err = toJSON("constraints", t.Constraints); err != nil {
		return in, err
	}
	if in.Inputs, err = toJSON("inputs", t.Inputs); err != nil {
		return in, err
	}
	if in.ExpectedOutputs, err = toJSON("expected_outputs", t.ExpectedOutputs); err != nil {
		return in, err
	}
	return in, nil
}

// toJSON converts a decoded YAML value to JSON. Nil stays nil.
func toJSON(field string, v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return b, nil
}

// normalize turns map[any]any, which JSON cannot encode, into
// map[string]any throughout v.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = normalize(val)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range x {
			x[i] = normalize(val)
		}
		return x
	default:
		return v
	}
}

// ParseBundle parses a YAML bundle document
func ParseBundle(content []byte) (*Bundle, error) {
	var doc bundleYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parsing bundle: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, errors.New("bundle has no tasks")
	}

	b := &Bundle{
		Source: strings.TrimSpace(doc.Source),
		Hold:   doc.Hold,
		Story:  doc.Story.toDomain(),
		Tasks:  make([]lifecycle.TaskInput, len(doc.Tasks)),
	}
	for i, t := range doc.Tasks {
		in, err := t.toInput()
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		b.Tasks[i] = in
	}
	return b, nil
}

// ParseMarkdownTask parses a single-task markdown file. The first heading
// is the title, the text under it the description, and a "Success
// criteria" list supplies criteria the frontmatter leaves out.
func ParseMarkdownTask(content []byte) (*Bundle, error) {
	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	task := fm.Task
	if task.Title == "" {
		task.Title = extractTitle(body)
	}
	if task.Description == "" {
		task.Description = extractDescription(body)
	}
	if len(task.SuccessCriteria) == 0 {
		task.SuccessCriteria = extractCriteria(body)
	}

	in, err := task.toInput()
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Source: strings.TrimSpace(fm.Source),
		Hold:   fm.Hold,
		Story:  fm.Story.toDomain(),
		Tasks:  []lifecycle.TaskInput{in},
	}, nil
}

// IsBundleFile reports whether name has a bundle extension
func IsBundleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".md", ".markdown":
		return true
	}
	return false
}

// ParseFile reads and parses a bundle file, choosing the format by extension
func ParseFile(path string) (*Bundle, error) {
	if !IsBundleFile(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupported)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return ParseMarkdownTask(content)
	default:
		return ParseBundle(content)
	}
}

func extractTitle(content []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if matches := titleRegex.FindStringSubmatch(line); matches != nil {
			return strings.TrimSpace(matches[1])
		}
	}
	return ""
}

func extractDescription(content []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	var lines []string
	foundTitle := false

	for scanner.Scan() {
		line := scanner.Text()
		if !foundTitle {
			if titleRegex.MatchString(line) {
				foundTitle = true
			}
			continue
		}

		// Skip empty lines immediately after title
		if len(lines) == 0 && strings.TrimSpace(line) == "" {
			continue
		}

		// Stop at next heading
		if strings.HasPrefix(line, "#") {
			break
		}

		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractCriteria(content []byte) []string {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	var criteria []string
	inSection := false

	for scanner.Scan() {
		line := scanner.Text()
		if criteriaRegex.MatchString(strings.TrimSpace(line)) {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(line, "#") {
			break
		}
		if matches := bulletRegex.FindStringSubmatch(line); matches != nil {
			criteria = append(criteria, strings.TrimSpace(matches[1]))
		}
	}
	return criteria
}
