package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name       string
	configured bool
	err        error
	calls      int
}

func (f *fakeSender) Name() string     { return f.name }
func (f *fakeSender) Configured() bool { return f.configured }
func (f *fakeSender) Send(ctx context.Context, subject, body string) error {
	f.calls++
	return f.err
}

func TestDispatcherNoChannels(t *testing.T) {
	d := NewDispatcher(DefaultConfig(), nil, &fakeSender{name: "email"}, &fakeSender{name: "slack"})
	err := d.Alert(context.Background(), "subject", "body")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Empty(t, d.Channels())
}

func TestDispatcherAttemptsEveryChannel(t *testing.T) {
	failing := &fakeSender{name: "email", configured: true, err: errors.New("smtp down")}
	working := &fakeSender{name: "slack", configured: true}
	skipped := &fakeSender{name: "jira"}

	d := NewDispatcher(DefaultConfig(), nil, failing, working, skipped)
	err := d.Alert(context.Background(), "subject", "body")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "email: smtp down")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, working.calls)
	assert.Equal(t, 0, skipped.calls)
	assert.Equal(t, []string{"email", "slack"}, d.Channels())
}

func TestDispatcherRateLimitHonorsContext(t *testing.T) {
	cfg := Config{RatePerMinute: 1, Burst: 1}
	s := &fakeSender{name: "slack", configured: true}
	d := NewDispatcher(cfg, nil, s)

	require.NoError(t, d.Alert(context.Background(), "first", ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Alert(ctx, "second", "")
	assert.Error(t, err)
	assert.Equal(t, 1, s.calls)
}

func TestSlackSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL, srv.Client())
	require.True(t, s.Configured())
	require.NoError(t, s.Send(context.Background(), "Negative spike", "negative_ratio_delta: 0.35"))

	assert.Equal(t, "Negative spike", got["text"])
	blocks, ok := got["blocks"].([]any)
	require.True(t, ok)
	assert.Len(t, blocks, 3)
}

func TestSlackSenderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL, srv.Client())
	assert.Error(t, s.Send(context.Background(), "x", ""))
}

func TestSlackSenderNotConfigured(t *testing.T) {
	s := NewSlackSender("", nil)
	assert.ErrorIs(t, s.Send(context.Background(), "x", ""), ErrNotConfigured)
}

func TestTicketCreator(t *testing.T) {
	var issue jiraIssue
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue", r.URL.Path)
		user, token, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ops", user)
		assert.Equal(t, "secret", token)
		json.NewDecoder(r.Body).Decode(&issue)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":"OPS-42"}`))
	}))
	defer srv.Close()

	tc := NewTicketCreator(JiraConfig{URL: srv.URL + "/", User: "ops", Token: "secret", Project: "OPS"}, srv.Client())
	key, err := tc.CreateTicket(context.Background(), "Anomaly detected", "details", "High")
	require.NoError(t, err)
	assert.Equal(t, "OPS-42", key)
	assert.Equal(t, "OPS", issue.Fields.Project.Key)
	assert.Equal(t, "[Auto] Anomaly detected", issue.Fields.Summary)
	assert.Equal(t, "Task", issue.Fields.IssueType.Name)
}

func TestTicketCreatorRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "project does not exist", http.StatusBadRequest)
	}))
	defer srv.Close()

	tc := NewTicketCreator(JiraConfig{URL: srv.URL, User: "u", Token: "t", Project: "NOPE"}, srv.Client())
	err := tc.Send(context.Background(), "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestEmailSenderNotConfigured(t *testing.T) {
	e := NewEmailSender(SMTPConfig{Host: "smtp.example.com", Port: 587})
	assert.False(t, e.Configured())
	assert.ErrorIs(t, e.Send(context.Background(), "s", "b"), ErrNotConfigured)
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("ops@example.com", "a@example.com, b@example.com", "Spike <critical>", "line one\n\nline two"))
	assert.Contains(t, msg, "Subject: Spike <critical>\r\n")
	assert.Contains(t, msg, "<h2>Spike &lt;critical&gt;</h2>")
	assert.Contains(t, msg, "<p>line two</p>")
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, recipients("a@example.com, b@example.com"))
	assert.True(t, strings.HasPrefix(msg, "From: ops@example.com\r\n"))
}
