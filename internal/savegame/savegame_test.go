package savegame

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
)

func sampleSnapshot() progress.Snapshot {
	return progress.Snapshot{
		CurrentStage: "hall",
		Active:       "butler_talk",
		Clues:        []story.ClueID{"muddy_boots", "torn_letter"},
		Completed:    []story.UnitID{"arrival"},
	}
}

func sampleMeta() Meta {
	return Meta{
		StoryID:  "manor",
		SavedAt:  time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		PlayTime: 42 * time.Minute,
	}
}

func TestEncode_VerifiesAndTruncates(t *testing.T) {
	rec := Encode(sampleSnapshot(), sampleMeta())
	require.NoError(t, rec.Verify())
	assert.Equal(t, CurrentVersion, rec.Version)
	assert.Equal(t, 0, rec.SavedAt.Nanosecond()%1000)
	assert.Equal(t, sampleSnapshot(), rec.Snapshot())
}

func TestVerify_DetectsTampering(t *testing.T) {
	rec := Encode(sampleSnapshot(), sampleMeta())
	rec.Clues = append(rec.Clues, "forged")
	assert.ErrorIs(t, rec.Verify(), ErrChecksum)

	rec = Encode(sampleSnapshot(), sampleMeta())
	rec.Version = 99
	assert.ErrorIs(t, rec.Verify(), ErrVersion)
}

func TestMarshalUnmarshal(t *testing.T) {
	rec := Encode(sampleSnapshot(), sampleMeta())
	data, err := Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), "current_stage: hall")
	assert.Contains(t, string(data), "play_time: 42m0s")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, got.Checksum)
	assert.True(t, rec.SavedAt.Equal(got.SavedAt))
	assert.Equal(t, rec.Snapshot(), got.Snapshot())
}

func TestUnmarshal_EmptySetsAndUnknownFields(t *testing.T) {
	rec := Encode(progress.Snapshot{CurrentStage: "hall"}, sampleMeta())
	data, err := Marshal(rec)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.NotNil(t, got.Clues)
	assert.NotNil(t, got.Completed)

	_, err = Unmarshal(append(data, []byte("pending: foo\n")...))
	assert.Error(t, err)
}

func TestValidateSlot(t *testing.T) {
	assert.NoError(t, ValidateSlot("autosave"))
	assert.NoError(t, ValidateSlot("slot-1_b"))
	for _, bad := range []string{"", "../etc", "a b", "x.yaml"} {
		assert.ErrorIs(t, ValidateSlot(bad), ErrInvalidSlot, bad)
	}
}

func TestFileStore_SaveLoadListDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "saves"), zap.NewNop())
	require.NoError(t, err)

	older := Encode(sampleSnapshot(), sampleMeta())
	newerMeta := sampleMeta()
	newerMeta.SavedAt = newerMeta.SavedAt.Add(time.Hour)
	newer := Encode(progress.Snapshot{CurrentStage: "cellar"}, newerMeta)

	require.NoError(t, store.Save(ctx, "one", older))
	require.NoError(t, store.Save(ctx, "two", newer))

	got, err := store.Load(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, older.Snapshot(), got.Snapshot())

	slots, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "two", slots[0].Slot)
	assert.Equal(t, story.StageID("cellar"), slots[0].CurrentStage)

	require.NoError(t, store.Delete(ctx, "one"))
	_, err = store.Load(ctx, "one")
	assert.ErrorIs(t, err, ErrSlotNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "one"), ErrSlotNotFound)
}

func TestFileStore_ListSkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	core, logs := observer.New(zap.WarnLevel)
	store, err := NewFileStore(dir, zap.New(core))
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "good", Encode(sampleSnapshot(), sampleMeta())))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("version: [\n"), 0o644))

	slots, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "good", slots[0].Slot)
	assert.Equal(t, 1, logs.Len())

	_, err = store.Load(ctx, "bad")
	assert.Error(t, err)
}

func TestFileStore_RejectsInvalidSlot(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	err = store.Save(context.Background(), "../escape", Encode(sampleSnapshot(), sampleMeta()))
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

// memStore is an in-memory Store that counts writes.
type memStore struct {
	mu     sync.Mutex
	recs   map[string]Record
	writes int
	fail   error
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]Record)} }

func (m *memStore) Save(_ context.Context, slot string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.writes++
	m.recs[slot] = rec
	return nil
}

func (m *memStore) Load(_ context.Context, slot string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[slot]
	if !ok {
		return Record{}, ErrSlotNotFound
	}
	return rec, nil
}

func (m *memStore) List(context.Context) ([]SlotInfo, error) { return nil, nil }

func (m *memStore) Delete(_ context.Context, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, slot)
	return nil
}

func TestAutosaver_CoalescesToLatest(t *testing.T) {
	store := newMemStore()
	a := NewAutosaver(store, "autosave", zap.NewNop())

	for _, stage := range []story.StageID{"a", "b", "c"} {
		a.Request(Encode(progress.Snapshot{CurrentStage: stage}, sampleMeta()))
	}
	require.NoError(t, a.Flush(context.Background()))

	rec, err := store.Load(context.Background(), "autosave")
	require.NoError(t, err)
	assert.Equal(t, story.StageID("c"), rec.CurrentStage)
	assert.Equal(t, 1, store.writes)
}

func TestAutosaver_BackgroundWriteAndStop(t *testing.T) {
	store := newMemStore()
	a := NewAutosaver(store, "autosave", zap.NewNop())
	go func() { _ = a.Start() }()

	a.Request(Encode(progress.Snapshot{CurrentStage: "hall"}, sampleMeta()))
	assert.Eventually(t, func() bool {
		_, err := store.Load(context.Background(), "autosave")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	a.Request(Encode(progress.Snapshot{CurrentStage: "cellar"}, sampleMeta()))
	a.Stop()
	a.Stop()
	rec, err := store.Load(context.Background(), "autosave")
	require.NoError(t, err)
	assert.Equal(t, story.StageID("cellar"), rec.CurrentStage)
}

func TestAutosaver_StopWithoutStartFlushes(t *testing.T) {
	store := newMemStore()
	a := NewAutosaver(store, "autosave", zap.NewNop())
	a.Request(Encode(progress.Snapshot{CurrentStage: "hall"}, sampleMeta()))
	a.Stop()
	assert.Equal(t, 1, store.writes)
}

func TestAutosaver_FailureLogged(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk full")
	core, logs := observer.New(zap.WarnLevel)
	a := NewAutosaver(store, "autosave", zap.New(core))
	a.Request(Encode(progress.Snapshot{CurrentStage: "hall"}, sampleMeta()))
	assert.Error(t, a.Flush(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("savegame: autosave failed").Len())
}

func TestPropertyEncodeMarshalRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z_]{1,10}`), func(s string) string { return s })
		clues := ids.Draw(t, "clues")
		units := ids.Draw(t, "units")
		snap := progress.Snapshot{CurrentStage: "s", Clues: []story.ClueID{}, Completed: []story.UnitID{}}
		for _, c := range clues {
			snap.Clues = append(snap.Clues, story.ClueID(c))
		}
		for _, u := range units {
			snap.Completed = append(snap.Completed, story.UnitID(u))
		}
		meta := Meta{
			StoryID:  "st",
			SavedAt:  time.Unix(rapid.Int64Range(0, 4_000_000_000).Draw(t, "sec"), 0),
			PlayTime: time.Duration(rapid.Int64Range(0, int64(1000*time.Hour)).Draw(t, "play")),
		}
		rec := Encode(snap, meta)
		data, err := Marshal(rec)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		assert.Equal(t, rec.Snapshot(), got.Snapshot())
		assert.Equal(t, rec.PlayTime, got.PlayTime)
	})
}
