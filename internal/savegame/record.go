// Package savegame encodes playthrough progress into persistable records and
// stores them in named slots.
package savegame

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// CurrentVersion is the record layout written by this package.
const CurrentVersion = 1

var (
	// ErrChecksum is returned when a record's checksum does not match its contents.
	ErrChecksum = errors.New("save record checksum mismatch")
	// ErrVersion is returned for records written with an unsupported layout.
	ErrVersion = errors.New("unsupported save record version")
)

// Record is the persisted form of a playthrough. The pending transition is
// never part of it.
type Record struct {
	Version      int            `yaml:"version"`
	StoryID      string         `yaml:"story"`
	CurrentStage story.StageID  `yaml:"current_stage"`
	ActiveUnit   story.UnitID   `yaml:"active_unit,omitempty"`
	Clues        []story.ClueID `yaml:"clues"`
	Completed    []story.UnitID `yaml:"completed"`
	SavedAt      time.Time      `yaml:"saved_at"`
	PlayTime     time.Duration  `yaml:"play_time"`
	Checksum     string         `yaml:"checksum"`
}

// Meta carries the record metadata that is not part of progress.
type Meta struct {
	StoryID  string
	SavedAt  time.Time
	PlayTime time.Duration
}

// Encode builds a checksummed record from a progress snapshot.
//
// Postcondition: The returned record passes Verify. SavedAt is UTC with
// microsecond precision so it survives database round trips unchanged.
func Encode(snap progress.Snapshot, meta Meta) Record {
	rec := Record{
		Version:      CurrentVersion,
		StoryID:      meta.StoryID,
		CurrentStage: snap.CurrentStage,
		ActiveUnit:   snap.Active,
		Clues:        append([]story.ClueID{}, snap.Clues...),
		Completed:    append([]story.UnitID{}, snap.Completed...),
		SavedAt:      meta.SavedAt.UTC().Truncate(time.Microsecond),
		PlayTime:     meta.PlayTime,
	}
	rec.Checksum = rec.computeChecksum()
	return rec
}

// Snapshot returns the progress portion of the record.
func (r Record) Snapshot() progress.Snapshot {
	return progress.Snapshot{
		CurrentStage: r.CurrentStage,
		Active:       r.ActiveUnit,
		Clues:        append([]story.ClueID{}, r.Clues...),
		Completed:    append([]story.UnitID{}, r.Completed...),
	}
}

// Verify checks the record version and checksum.
//
// Postcondition: Returns nil, or an error wrapping ErrVersion or ErrChecksum.
func (r Record) Verify() error {
	if r.Version != CurrentVersion {
		return fmt.Errorf("version %d: %w", r.Version, ErrVersion)
	}
	if r.Checksum != r.computeChecksum() {
		return ErrChecksum
	}
	return nil
}

func (r Record) computeChecksum() string {
	clues := make([]string, len(r.Clues))
	for i, c := range r.Clues {
		clues[i] = string(c)
	}
	units := make([]string, len(r.Completed))
	for i, u := range r.Completed {
		units[i] = string(u)
	}
	canonical := strings.Join([]string{
		fmt.Sprintf("v%d", r.Version),
		r.StoryID,
		string(r.CurrentStage),
		string(r.ActiveUnit),
		strings.Join(clues, ","),
		strings.Join(units, ","),
		r.SavedAt.UTC().Format(time.RFC3339Nano),
		fmt.Sprintf("%d", int64(r.PlayTime)),
	}, "\n")
	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Marshal renders rec as YAML.
func Marshal(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encoding save record: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding save record: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses and verifies a YAML record.
//
// Postcondition: Returns a verified Record or a non-nil error.
func Unmarshal(data []byte) (Record, error) {
	var rec Record
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decoding save record: %w", err)
	}
	if rec.Clues == nil {
		rec.Clues = []story.ClueID{}
	}
	if rec.Completed == nil {
		rec.Completed = []story.UnitID{}
	}
	if err := rec.Verify(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
