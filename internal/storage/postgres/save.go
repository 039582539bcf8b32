package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/storyflow/internal/game/story"
	"github.com/cory-johannsen/storyflow/internal/savegame"
)

// ErrSchemaMissing is returned when the saves table does not exist.
var ErrSchemaMissing = errors.New("saves table missing; run cmd/migrate")

// SaveRepository stores save records for one story in the saves table. It
// implements savegame.Store.
type SaveRepository struct {
	db      *pgxpool.Pool
	storyID string
}

// NewSaveRepository creates a SaveRepository scoped to storyID.
//
// Precondition: db must be a valid, open connection pool; storyID must be non-empty.
func NewSaveRepository(db *pgxpool.Pool, storyID string) *SaveRepository {
	return &SaveRepository{db: db, storyID: storyID}
}

// Save upserts rec into slot.
//
// Precondition: rec.StoryID must be empty or equal to the repository's story.
// Postcondition: Returns nil and the slot holds rec, or a non-nil error.
func (r *SaveRepository) Save(ctx context.Context, slot string, rec savegame.Record) error {
	if err := savegame.ValidateSlot(slot); err != nil {
		return err
	}
	if rec.StoryID != "" && rec.StoryID != r.storyID {
		return fmt.Errorf("saving record of story %q into %q", rec.StoryID, r.storyID)
	}
	var active *string
	if rec.ActiveUnit != "" {
		s := string(rec.ActiveUnit)
		active = &s
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO saves
			(story_id, slot, version, current_stage, active_unit, clues, completed,
			 saved_at, play_time_ns, checksum)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (story_id, slot) DO UPDATE SET
			version       = EXCLUDED.version,
			current_stage = EXCLUDED.current_stage,
			active_unit   = EXCLUDED.active_unit,
			clues         = EXCLUDED.clues,
			completed     = EXCLUDED.completed,
			saved_at      = EXCLUDED.saved_at,
			play_time_ns  = EXCLUDED.play_time_ns,
			checksum      = EXCLUDED.checksum,
			updated_at    = NOW()`,
		r.storyID, slot, rec.Version, string(rec.CurrentStage), active,
		clueStrings(rec.Clues), unitStrings(rec.Completed),
		rec.SavedAt, int64(rec.PlayTime), rec.Checksum,
	)
	if err != nil {
		return r.wrap("saving slot", err)
	}
	return nil
}

// Load reads and verifies the record in slot.
//
// Postcondition: Returns savegame.ErrSlotNotFound (wrapped) if the slot is empty.
func (r *SaveRepository) Load(ctx context.Context, slot string) (savegame.Record, error) {
	if err := savegame.ValidateSlot(slot); err != nil {
		return savegame.Record{}, err
	}
	var (
		rec       savegame.Record
		stage     string
		active    *string
		clues     []string
		completed []string
		playNS    int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT version, current_stage, active_unit, clues, completed, saved_at, play_time_ns, checksum
		FROM saves WHERE story_id = $1 AND slot = $2`,
		r.storyID, slot,
	).Scan(&rec.Version, &stage, &active, &clues, &completed, &rec.SavedAt, &playNS, &rec.Checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return savegame.Record{}, fmt.Errorf("%q: %w", slot, savegame.ErrSlotNotFound)
		}
		return savegame.Record{}, r.wrap("loading slot", err)
	}
	rec.StoryID = r.storyID
	rec.CurrentStage = story.StageID(stage)
	if active != nil {
		rec.ActiveUnit = story.UnitID(*active)
	}
	rec.Clues = make([]story.ClueID, len(clues))
	for i, c := range clues {
		rec.Clues[i] = story.ClueID(c)
	}
	rec.Completed = make([]story.UnitID, len(completed))
	for i, u := range completed {
		rec.Completed[i] = story.UnitID(u)
	}
	rec.PlayTime = time.Duration(playNS)
	if err := rec.Verify(); err != nil {
		return savegame.Record{}, fmt.Errorf("slot %q: %w", slot, err)
	}
	return rec, nil
}

// List returns every slot for the story, most recently saved first.
func (r *SaveRepository) List(ctx context.Context) ([]savegame.SlotInfo, error) {
	rows, err := r.db.Query(ctx, `
		SELECT slot, current_stage, saved_at, play_time_ns
		FROM saves WHERE story_id = $1
		ORDER BY saved_at DESC, slot ASC`,
		r.storyID,
	)
	if err != nil {
		return nil, r.wrap("listing slots", err)
	}
	defer rows.Close()

	var out []savegame.SlotInfo
	for rows.Next() {
		var (
			info   savegame.SlotInfo
			stage  string
			playNS int64
		)
		if err := rows.Scan(&info.Slot, &stage, &info.SavedAt, &playNS); err != nil {
			return nil, fmt.Errorf("scanning slot: %w", err)
		}
		info.CurrentStage = story.StageID(stage)
		info.PlayTime = time.Duration(playNS)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, r.wrap("iterating slots", err)
	}
	return out, nil
}

// Delete removes slot.
//
// Postcondition: Returns savegame.ErrSlotNotFound (wrapped) if the slot is empty.
func (r *SaveRepository) Delete(ctx context.Context, slot string) error {
	if err := savegame.ValidateSlot(slot); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM saves WHERE story_id = $1 AND slot = $2`, r.storyID, slot)
	if err != nil {
		return r.wrap("deleting slot", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%q: %w", slot, savegame.ErrSlotNotFound)
	}
	return nil
}

func (r *SaveRepository) wrap(op string, err error) error {
	if isUndefinedTable(err) {
		return fmt.Errorf("%s: %w", op, ErrSchemaMissing)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func clueStrings(ids []story.ClueID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func unitStrings(ids []story.UnitID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
