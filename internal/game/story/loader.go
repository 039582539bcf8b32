package story

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlStoryFile is the top-level YAML structure for story files.
type yamlStoryFile struct {
	Story yamlStory `yaml:"story"`
}

type yamlStory struct {
	ID         string              `yaml:"id"`
	Title      string              `yaml:"title"`
	StartStage string              `yaml:"start_stage"`
	Fallbacks  map[string][]string `yaml:"fallbacks"`
	Stages     []yamlStage         `yaml:"stages"`
}

type yamlRequirements struct {
	Clues []string `yaml:"clues"`
	Units []string `yaml:"units"`
}

type yamlStage struct {
	ID     string           `yaml:"id"`
	Title  string           `yaml:"title"`
	Next   string           `yaml:"next"`
	Script string           `yaml:"script"`
	Exit   yamlRequirements `yaml:"exit"`
	Units  []yamlUnit       `yaml:"units"`
}

type yamlLine struct {
	Speaker string `yaml:"speaker"`
	Text    string `yaml:"text"`
}

type yamlUnit struct {
	ID               string           `yaml:"id"`
	Interactable     string           `yaml:"interactable"`
	Mode             string           `yaml:"mode"`
	Speaker          string           `yaml:"speaker"`
	Reopenable       bool             `yaml:"reopenable"`
	Requires         yamlRequirements `yaml:"requires"`
	Grants           []string         `yaml:"grants"`
	Lines            []yamlLine       `yaml:"lines"`
	SeedPrompt       string           `yaml:"seed_prompt"`
	CompletionMarker string           `yaml:"completion_marker"`
}

// LoadStoryFromFile reads and validates a story YAML file. Relative stage
// script paths are resolved against the file's directory.
//
// Precondition: path must point to a valid YAML story file.
// Postcondition: Returns a validated Story or a non-nil error.
func LoadStoryFromFile(path string) (*Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading story file %s: %w", path, err)
	}
	s, err := LoadStoryFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading story from %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for _, st := range s.Stages {
		if st.Script != "" && !filepath.IsAbs(st.Script) {
			st.Script = filepath.Join(dir, st.Script)
		}
	}
	return s, nil
}

// LoadStoryFromBytes parses and validates a story from YAML bytes. Unknown
// fields are rejected.
//
// Precondition: data must be valid YAML conforming to the story schema.
// Postcondition: Returns a validated Story or a non-nil error.
func LoadStoryFromBytes(data []byte) (*Story, error) {
	var file yamlStoryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing story YAML: %w", err)
	}

	s := convertYAMLStory(file.Story)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating story: %w", err)
	}
	return s, nil
}

// FindStoryFile returns the single story YAML file in dir.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns the file path, or an error if there is not exactly one candidate.
func FindStoryFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading content directory %s: %w", dir, err)
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			found = append(found, filepath.Join(dir, name))
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no story files found in %s", dir)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("expected one story file in %s, found %d", dir, len(found))
	}
}

func convertYAMLStory(ys yamlStory) *Story {
	s := &Story{
		ID:         ys.ID,
		Title:      ys.Title,
		StartStage: StageID(ys.StartStage),
		Fallbacks:  ys.Fallbacks,
	}
	if s.Fallbacks == nil {
		s.Fallbacks = make(map[string][]string)
	}
	for _, yst := range ys.Stages {
		st := &Stage{
			ID:        StageID(yst.ID),
			Title:     yst.Title,
			Next:      StageID(yst.Next),
			Script:    yst.Script,
			ExitClues: clueIDs(yst.Exit.Clues),
			ExitUnits: unitIDs(yst.Exit.Units),
		}
		for _, yu := range yst.Units {
			mode := Mode(yu.Mode)
			if mode == "" {
				mode = ModeScripted
			}
			u := &DialogueUnit{
				ID:               UnitID(yu.ID),
				Interactable:     yu.Interactable,
				Mode:             mode,
				Speaker:          yu.Speaker,
				Reopenable:       yu.Reopenable,
				RequiredClues:    clueIDs(yu.Requires.Clues),
				RequiredUnits:    unitIDs(yu.Requires.Units),
				GrantsClues:      clueIDs(yu.Grants),
				SeedPrompt:       strings.TrimSpace(yu.SeedPrompt),
				CompletionMarker: yu.CompletionMarker,
			}
			for _, yl := range yu.Lines {
				u.Lines = append(u.Lines, Line{Speaker: yl.Speaker, Text: strings.TrimSpace(yl.Text)})
			}
			st.Units = append(st.Units, u)
		}
		s.Stages = append(s.Stages, st)
	}
	if s.StartStage == "" && len(s.Stages) > 0 {
		s.StartStage = s.Stages[0].ID
	}
	return s
}

func clueIDs(in []string) []ClueID {
	if len(in) == 0 {
		return nil
	}
	out := make([]ClueID, len(in))
	for i, v := range in {
		out[i] = ClueID(v)
	}
	return out
}

func unitIDs(in []string) []UnitID {
	if len(in) == 0 {
		return nil
	}
	out := make([]UnitID, len(in))
	for i, v := range in {
		out[i] = UnitID(v)
	}
	return out
}
