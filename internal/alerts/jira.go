package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// TicketCreator opens Jira issues through the REST API.
type TicketCreator struct {
	cfg    JiraConfig
	client *http.Client
}

// NewTicketCreator creates a Jira ticket creator. A nil client uses http.DefaultClient.
func NewTicketCreator(cfg JiraConfig, client *http.Client) *TicketCreator {
	if client == nil {
		client = http.DefaultClient
	}
	return &TicketCreator{cfg: cfg, client: client}
}

// Name identifies the channel.
func (t *TicketCreator) Name() string { return "jira" }

// Configured reports whether Jira credentials are set.
func (t *TicketCreator) Configured() bool { return t.cfg.Configured() }

type jiraIssue struct {
	Fields jiraFields `json:"fields"`
}

type jiraFields struct {
	Project     jiraKey  `json:"project"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	IssueType   jiraName `json:"issuetype"`
	Priority    jiraName `json:"priority"`
}

type jiraKey struct {
	Key string `json:"key"`
}

type jiraName struct {
	Name string `json:"name"`
}

// Send opens a ticket and discards its key.
func (t *TicketCreator) Send(ctx context.Context, subject, body string) error {
	_, err := t.CreateTicket(ctx, subject, body, "High")
	return err
}

// CreateTicket opens a Task issue and returns its key.
func (t *TicketCreator) CreateTicket(ctx context.Context, summary, description, priority string) (string, error) {
	if !t.Configured() {
		return "", fmt.Errorf("jira: %w", ErrNotConfigured)
	}

	issue := jiraIssue{Fields: jiraFields{
		Project:     jiraKey{Key: t.cfg.Project},
		Summary:     "[Auto] " + summary,
		Description: description,
		IssueType:   jiraName{Name: "Task"},
		Priority:    jiraName{Name: priority},
	}}
	data, err := json.Marshal(issue)
	if err != nil {
		return "", fmt.Errorf("marshal issue: %w", err)
	}

	url := strings.TrimRight(t.cfg.URL, "/") + "/rest/api/2/issue"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(t.cfg.User, t.cfg.Token)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("jira request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("jira returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode jira response: %w", err)
	}
	return created.Key, nil
}
