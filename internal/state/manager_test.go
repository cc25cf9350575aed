package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/commentops/internal/artifacts"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/store"
)

func TestSaveStateVersions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		v, err := m.SaveState(ctx, "Planner", map[string]any{"step": i})
		if err != nil {
			t.Fatalf("SaveState failed: %v", err)
		}
		if v != i {
			t.Errorf("Expected version %d, got %d", i, v)
		}
		ok, err := m.VerifyIntegrity(ctx, "Planner", v)
		if err != nil || !ok {
			t.Errorf("Version %d should verify right after saving: ok=%v err=%v", v, ok, err)
		}
	}

	latest, err := m.LoadState(ctx, "Planner", 0)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if latest.Version != 3 || string(latest.Payload) != `{"step":3}` {
		t.Errorf("Unexpected latest state: %d %s", latest.Version, latest.Payload)
	}

	first, _ := m.LoadState(ctx, "Planner", 1)
	if string(first.Payload) != `{"step":1}` {
		t.Errorf("Version 1 payload changed: %s", first.Payload)
	}
}

func TestSaveStateRejectsNonObject(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, payload := range []any{[]int{1, 2}, "text", nil, 42} {
		if _, err := m.SaveState(ctx, "a", payload); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("SaveState(%v): expected ErrInvalidPayload, got %v", payload, err)
		}
	}
	if _, err := m.SaveStateJSON(ctx, "a", json.RawMessage(`{"broken":`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Expected ErrInvalidPayload for truncated JSON, got %v", err)
	}
	if _, err := m.SaveStateJSON(ctx, "a", json.RawMessage(`{"x":1} {"y":2}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Expected ErrInvalidPayload for concatenated objects, got %v", err)
	}
}

func TestLoadStateNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.LoadState(ctx, "ghost", 0); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Expected ErrStateNotFound, got %v", err)
	}
	m.SaveState(ctx, "a", map[string]any{})
	if _, err := m.LoadState(ctx, "a", 5); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Expected ErrStateNotFound for missing version, got %v", err)
	}
}

func TestRestoreStateLogsWithoutNewVersion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.SaveState(ctx, "a", map[string]any{"v": 1})
	m.SaveState(ctx, "a", map[string]any{"v": 2})

	st, err := m.RestoreState(ctx, "a", 1)
	if err != nil {
		t.Fatalf("RestoreState failed: %v", err)
	}
	if string(st.Payload) != `{"v":1}` {
		t.Errorf("Expected version 1 payload, got %s", st.Payload)
	}

	latest, _ := m.LoadState(ctx, "a", 0)
	if latest.Version != 2 {
		t.Errorf("Restore must not write a version, latest is %d", latest.Version)
	}

	transitions, _ := m.Transitions(ctx, "a")
	last := transitions[len(transitions)-1]
	if last.Type != models.TransitionRestore || last.FromVersion == nil || *last.FromVersion != 2 || last.ToVersion != 1 {
		t.Errorf("Unexpected restore transition: %+v", last)
	}

	stats, _ := m.Statistics(ctx)
	if stats.TotalRestores != 1 || stats.AgentVersions["a"] != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	if _, err := m.RestoreState(ctx, "a", 9); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Expected ErrStateNotFound, got %v", err)
	}
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	v, _ := m.SaveState(ctx, "a", map[string]any{"threshold": 0.2})
	if _, err := s.DB().Exec(`UPDATE agent_states SET state_data = ? WHERE agent_id = ? AND version = ?`,
		`{"threshold":0.9}`, "a", v); err != nil {
		t.Fatalf("Failed to tamper with state: %v", err)
	}

	ok, err := m.VerifyIntegrity(ctx, "a", v)
	if err != nil {
		t.Fatalf("VerifyIntegrity failed: %v", err)
	}
	if ok {
		t.Error("Tampered state must fail verification")
	}
}

func TestVerifyIntegrityRejectsConcatenatedPayload(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	v, _ := m.SaveState(ctx, "a", map[string]any{"threshold": 0.2})
	if _, err := s.DB().Exec(`UPDATE agent_states SET state_data = ? WHERE agent_id = ? AND version = ?`,
		`{"threshold":0.2}{"threshold":0.9}`, "a", v); err != nil {
		t.Fatalf("Failed to tamper with state: %v", err)
	}

	ok, err := m.VerifyIntegrity(ctx, "a", v)
	if err != nil {
		t.Fatalf("VerifyIntegrity failed: %v", err)
	}
	if ok {
		t.Error("Payload with trailing data must fail verification")
	}
}

func TestLoadStateWarnsOnChecksumMismatch(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	var logs bytes.Buffer
	m := NewManager(s, nil, slog.New(slog.NewTextHandler(&logs, nil)))
	ctx := context.Background()

	v, _ := m.SaveState(ctx, "a", map[string]any{"threshold": 0.2})
	if _, err := m.LoadState(ctx, "a", v); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if strings.Contains(logs.String(), "checksum mismatch") {
		t.Fatalf("Intact state must load silently, got %s", logs.String())
	}

	if _, err := s.DB().Exec(`UPDATE agent_states SET state_data = ? WHERE agent_id = ? AND version = ?`,
		`{"threshold":0.9}`, "a", v); err != nil {
		t.Fatalf("Failed to tamper with state: %v", err)
	}
	st, err := m.LoadState(ctx, "a", 0)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if string(st.Payload) != `{"threshold":0.9}` {
		t.Errorf("Expected the stored payload, got %s", st.Payload)
	}
	if !strings.Contains(logs.String(), "state checksum mismatch") {
		t.Errorf("Expected a checksum warning, got %q", logs.String())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.SaveState(ctx, "GoalManager", map[string]any{"goals": 3})
	m.SaveState(ctx, "Planner", map[string]any{"plans": 1})

	id, err := m.CreateSnapshot(ctx, []string{"GoalManager", "Planner", "NoState"}, "before-release")
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if len(id) != 16 {
		t.Errorf("Expected 16-char snapshot id, got %q", id)
	}

	snap, err := m.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if len(snap.Agents) != 2 {
		t.Errorf("Agents without state should be skipped, got %d agents", len(snap.Agents))
	}

	m.SaveState(ctx, "Planner", map[string]any{"plans": 5})

	results, err := m.RestoreSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if !results["Planner"].Success || results["Planner"].Version != 3 {
		t.Errorf("Unexpected Planner result: %+v", results["Planner"])
	}
	latest, _ := m.LoadState(ctx, "Planner", 0)
	if string(latest.Payload) != `{"plans":1}` {
		t.Errorf("Expected snapshot payload restored, got %s", latest.Payload)
	}

	list, _ := m.ListSnapshots(ctx)
	if len(list) != 1 || list[0].Name != "before-release" {
		t.Errorf("Unexpected snapshot list: %+v", list)
	}
}

func TestRestoreSnapshotPartialFailure(t *testing.T) {
	m, a := newTestManagerWithArtifacts(t)
	ctx := context.Background()

	m.SaveState(ctx, "good", map[string]any{"ok": true})

	snap := models.Snapshot{
		ID:        "deadbeefdeadbeef",
		Name:      "mixed",
		CreatedAt: time.Now(),
		Agents: map[string]models.SnapshotEntry{
			"good": {Version: 1, Payload: json.RawMessage(`{"ok":true}`)},
			"bad":  {Version: 1, Payload: json.RawMessage(`[1,2,3]`)},
		},
	}
	if err := a.Put(ctx, artifacts.PrefixSnapshot+snap.ID, snap); err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}

	results, err := m.RestoreSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if results["bad"].Success || results["bad"].Error == "" {
		t.Errorf("Malformed agent should fail with an error: %+v", results["bad"])
	}
	if !results["good"].Success || results["good"].Version != 2 {
		t.Errorf("Good agent should be restored as version 2: %+v", results["good"])
	}
}

func TestRestoreSnapshotNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.RestoreSnapshot(context.Background(), "missing"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestLoadInto(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var out struct {
		LastCycle time.Time `json:"last_cycle"`
	}
	found, err := m.LoadInto(ctx, "LearningAgent", &out)
	if err != nil || found {
		t.Fatalf("Expected no state: found=%v err=%v", found, err)
	}

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.SaveState(ctx, "LearningAgent", map[string]any{"last_cycle": now})
	found, err = m.LoadInto(ctx, "LearningAgent", &out)
	if err != nil || !found || !out.LastCycle.Equal(now) {
		t.Errorf("Unexpected LoadInto result: found=%v err=%v last=%v", found, err, out.LastCycle)
	}
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	a, err := artifacts.Open("")
	if err != nil {
		t.Fatalf("Failed to open artifacts: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return NewManager(s, a, nil), s
}

func newTestManagerWithArtifacts(t *testing.T) (*Manager, *artifacts.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	a, err := artifacts.Open("")
	if err != nil {
		t.Fatalf("Failed to open artifacts: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return NewManager(s, a, nil), a
}
