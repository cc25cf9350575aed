package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func newFakeAPI(t *testing.T) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var enqueued []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "db": "ok"})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"coordinator": {"active": true, "agents": ["Coordinator", "PlannerAgent"], "history_size": 3, "dry_run": true},
			"model_cards": {"models": [{"model_id": "sentiment_v2", "model_type": "sentiment", "accuracy": 0.91, "f1_score": 0.9, "deployment": "production"}]},
			"learning": {"next_cycle_in": "23h59m"},
			"memory": {"total_actions": 4, "overall_success_rate": 0.75},
			"message_bus": {"history_size": 12, "subscriptions": 9},
			"queue": {"counts": {"pending": 2, "dead_letter": 1}, "total": 3},
			"scheduler": {"active_workers": 1, "global_max": 10, "processed": 5, "failed": 1, "rejected": 0}
		}`))
	})
	mux.HandleFunc("GET /communications", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"type": "event", "sender": "GoalAgent", "topic": "goals.violations", "priority": "high", "timestamp": "2026-01-02T03:04:05Z"}]`))
	})
	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"action": "full_workflow", "timestamp": "2026-01-02T03:04:05Z", "details": {"status": "completed"}}]`))
	})
	mux.HandleFunc("GET /queue/dead-letters", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": "0123456789", "topic": "training.retrain", "retry_count": 3, "error_message": "exit status 1"}]`))
	})
	mux.HandleFunc("POST /queue/enqueue", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		enqueued = append(enqueued, body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"message_id": "m1", "created": true}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &enqueued
}

func TestClientOverview(t *testing.T) {
	ts, _ := newFakeAPI(t)
	c := NewClient(ts.URL)

	ov, err := c.Overview()
	if err != nil {
		t.Fatalf("Overview failed: %v", err)
	}
	if !ov.DryRun || len(ov.Agents) != 2 {
		t.Errorf("Unexpected coordinator fields %+v", ov)
	}
	if ov.QueueCounts["dead_letter"] != 1 || ov.QueueTotal != 3 {
		t.Errorf("Unexpected queue fields %+v", ov.QueueCounts)
	}
	if ov.GlobalMax != 10 || ov.Processed != 5 {
		t.Errorf("Unexpected scheduler fields %+v", ov)
	}
	if len(ov.Models) != 1 || ov.Models[0].Type != "sentiment" {
		t.Errorf("Unexpected models %+v", ov.Models)
	}

	events, err := c.Events(10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 || events[0].Priority != "high" {
		t.Errorf("Unexpected events %+v", events)
	}
}

func TestClientHealthOffline(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if ok, err := c.CheckHealth(); ok || err == nil {
		t.Errorf("Expected an unreachable daemon, got ok=%v err=%v", ok, err)
	}
}

func TestExecuteRetrain(t *testing.T) {
	ts, enqueued := newFakeAPI(t)
	bar := NewCmdBarModel()

	msg := bar.Execute(NewClient(ts.URL), "/retrain topic")()
	res, ok := msg.(cmdResultMsg)
	if !ok {
		t.Fatalf("Expected cmdResultMsg, got %T", msg)
	}
	if res.message != "Retrain of topic queued" {
		t.Errorf("Unexpected message %q", res.message)
	}
	if len(*enqueued) != 1 || (*enqueued)[0]["topic"] != "training.retrain" {
		t.Errorf("Unexpected enqueue %+v", *enqueued)
	}

	res = bar.Execute(NewClient(ts.URL), "/retrain")().(cmdResultMsg)
	if res.message != "Usage: retrain <model>" {
		t.Errorf("Expected usage, got %q", res.message)
	}
	if bar.Execute(NewClient(ts.URL), "   ") != nil {
		t.Error("Expected no command for blank input")
	}
}

func TestSuggestionsFilter(t *testing.T) {
	s := NewSuggestions()

	s.Update("/re")
	if !s.IsVisible() {
		t.Fatal("Expected suggestions to be visible")
	}
	if sel := s.Selected(); sel == nil || sel.Text != "retrain" {
		t.Errorf("Expected retrain, got %+v", sel)
	}
	s.Next()
	if sel := s.Selected(); sel == nil || sel.Text != "refresh" {
		t.Errorf("Expected refresh, got %+v", sel)
	}

	s.Update("/retrain sentiment")
	if s.IsVisible() {
		t.Error("Expected suggestions hidden once arguments start")
	}
}

func TestAppRefreshAndTabs(t *testing.T) {
	ts, _ := newFakeAPI(t)
	app := New(ts.URL)

	msg := app.refresh()()
	app.Update(msg)
	if !app.online || app.overview == nil {
		t.Fatalf("Expected online overview after refresh, err=%v", app.err)
	}
	if len(app.table.Rows()) != 1 {
		t.Errorf("Expected one model row, got %d", len(app.table.Rows()))
	}

	app.Update(tea.KeyMsg{Type: tea.KeyTab})
	if app.view != viewEvents || len(app.table.Rows()) != 1 {
		t.Errorf("Expected bus view with one row, got view %d rows %d", app.view, len(app.table.Rows()))
	}
	app.Update(tea.KeyMsg{Type: tea.KeyTab})
	app.Update(tea.KeyMsg{Type: tea.KeyTab})
	if app.view != viewDeadLetters || app.table.Rows()[0][0] != "01234567" {
		t.Errorf("Expected dead letter view, got view %d rows %v", app.view, app.table.Rows())
	}

	app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'/'}})
	if !app.cmdbar.Focused() || !app.suggestions.IsVisible() {
		t.Error("Expected the command bar to open with suggestions")
	}

	offline := New("http://127.0.0.1:1")
	offline.Update(offline.refresh()())
	if offline.online {
		t.Error("Expected offline daemon")
	}
}
