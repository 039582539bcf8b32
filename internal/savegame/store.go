package savegame

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/game/story"
)

var (
	// ErrSlotNotFound is returned when a slot holds no record.
	ErrSlotNotFound = errors.New("save slot not found")
	// ErrInvalidSlot is returned for slot names outside [A-Za-z0-9_-]{1,64}.
	ErrInvalidSlot = errors.New("invalid save slot name")
)

var slotPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateSlot checks a slot name.
func ValidateSlot(slot string) error {
	if !slotPattern.MatchString(slot) {
		return fmt.Errorf("%q: %w", slot, ErrInvalidSlot)
	}
	return nil
}

// SlotInfo summarises a stored record.
type SlotInfo struct {
	Slot         string
	CurrentStage story.StageID
	SavedAt      time.Time
	PlayTime     time.Duration
}

// Store keeps records in named slots.
type Store interface {
	// Save writes rec to slot, replacing any existing record.
	Save(ctx context.Context, slot string, rec Record) error
	// Load reads and verifies the record in slot.
	Load(ctx context.Context, slot string) (Record, error)
	// List returns every slot, most recently saved first.
	List(ctx context.Context) ([]SlotInfo, error)
	// Delete removes slot.
	Delete(ctx context.Context, slot string) error
}

// FileStore keeps one YAML file per slot in a directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
//
// Precondition: dir must be non-empty; logger must be non-nil.
// Postcondition: Returns a usable FileStore or a non-nil error.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating save directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(slot string) string {
	return filepath.Join(s.dir, slot+".yaml")
}

// Save writes rec atomically via a temporary file.
//
// Postcondition: Returns nil and the slot holds rec, or a non-nil error and the
// previous record is untouched.
func (s *FileStore) Save(_ context.Context, slot string, rec Record) error {
	if err := ValidateSlot(slot); err != nil {
		return err
	}
	data, err := Marshal(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, slot+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp save file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing save file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing save file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(slot)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing save file: %w", err)
	}
	s.logger.Debug("savegame: slot written",
		zap.String("slot", slot),
		zap.String("stage", string(rec.CurrentStage)),
	)
	return nil
}

// Load reads and verifies slot.
//
// Postcondition: Returns ErrSlotNotFound (wrapped) if the slot does not exist.
func (s *FileStore) Load(_ context.Context, slot string) (Record, error) {
	if err := ValidateSlot(slot); err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(s.path(slot))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%q: %w", slot, ErrSlotNotFound)
		}
		return Record{}, fmt.Errorf("reading save file: %w", err)
	}
	rec, err := Unmarshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("slot %q: %w", slot, err)
	}
	return rec, nil
}

// List summarises every readable slot. Unreadable files are skipped with a warning.
func (s *FileStore) List(_ context.Context) ([]SlotInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading save directory: %w", err)
	}
	var out []SlotInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		slot := strings.TrimSuffix(e.Name(), ".yaml")
		if ValidateSlot(slot) != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("savegame: skipping unreadable slot", zap.String("slot", slot), zap.Error(err))
			continue
		}
		rec, err := Unmarshal(data)
		if err != nil {
			s.logger.Warn("savegame: skipping invalid slot", zap.String("slot", slot), zap.Error(err))
			continue
		}
		out = append(out, SlotInfo{
			Slot:         slot,
			CurrentStage: rec.CurrentStage,
			SavedAt:      rec.SavedAt,
			PlayTime:     rec.PlayTime,
		})
	}
	SortSlots(out)
	return out, nil
}

// Delete removes slot.
//
// Postcondition: Returns ErrSlotNotFound (wrapped) if the slot does not exist.
func (s *FileStore) Delete(_ context.Context, slot string) error {
	if err := ValidateSlot(slot); err != nil {
		return err
	}
	if err := os.Remove(s.path(slot)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%q: %w", slot, ErrSlotNotFound)
		}
		return fmt.Errorf("removing save file: %w", err)
	}
	return nil
}

// SortSlots orders slots most recently saved first, then by name.
func SortSlots(slots []SlotInfo) {
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].SavedAt.Equal(slots[j].SavedAt) {
			return slots[i].SavedAt.After(slots[j].SavedAt)
		}
		return slots[i].Slot < slots[j].Slot
	})
}
