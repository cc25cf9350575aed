package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/commentops/internal/queue"
	"github.com/fentz26/commentops/internal/scheduler"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the commentops API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Overview fetches /status and flattens it for display
func (c *Client) Overview() (*Overview, error) {
	var st struct {
		Coordinator struct {
			Active      bool     `json:"active"`
			Agents      []string `json:"agents"`
			HistorySize int      `json:"history_size"`
			DryRun      bool     `json:"dry_run"`
		} `json:"coordinator"`
		ModelCards struct {
			Models []struct {
				ID         string  `json:"model_id"`
				Type       string  `json:"model_type"`
				Accuracy   float64 `json:"accuracy"`
				F1         float64 `json:"f1_score"`
				Deployment string  `json:"deployment"`
			} `json:"models"`
		} `json:"model_cards"`
		Learning struct {
			LastCycle   time.Time `json:"last_cycle"`
			NextCycleIn string    `json:"next_cycle_in"`
		} `json:"learning"`
		Memory struct {
			TotalActions int     `json:"total_actions"`
			SuccessRate  float64 `json:"overall_success_rate"`
		} `json:"memory"`
		Bus struct {
			HistorySize   int `json:"history_size"`
			Subscriptions int `json:"subscriptions"`
		} `json:"message_bus"`
		Queue *struct {
			Counts map[string]int `json:"counts"`
			Total  int            `json:"total"`
		} `json:"queue"`
		Scheduler *struct {
			ActiveWorkers int `json:"active_workers"`
			GlobalMax     int `json:"global_max"`
			Processed     int `json:"processed"`
			Failed        int `json:"failed"`
			Rejected      int `json:"rejected"`
		} `json:"scheduler"`
	}
	if err := c.get("/status", &st); err != nil {
		return nil, err
	}

	ov := &Overview{
		Active:        st.Coordinator.Active,
		Agents:        st.Coordinator.Agents,
		HistorySize:   st.Coordinator.HistorySize,
		DryRun:        st.Coordinator.DryRun,
		BusHistory:    st.Bus.HistorySize,
		Subscriptions: st.Bus.Subscriptions,
		LearningLast:  st.Learning.LastCycle,
		LearningNext:  st.Learning.NextCycleIn,
		TotalActions:  st.Memory.TotalActions,
		SuccessRate:   st.Memory.SuccessRate,
	}
	if st.Queue != nil {
		ov.QueueCounts = st.Queue.Counts
		ov.QueueTotal = st.Queue.Total
	}
	if s := st.Scheduler; s != nil {
		ov.ActiveWorkers = s.ActiveWorkers
		ov.GlobalMax = s.GlobalMax
		ov.Processed = s.Processed
		ov.Failed = s.Failed
		ov.Rejected = s.Rejected
	}
	for _, m := range st.ModelCards.Models {
		ov.Models = append(ov.Models, ModelRow{
			ID:         m.ID,
			Type:       m.Type,
			Accuracy:   m.Accuracy,
			F1:         m.F1,
			Deployment: m.Deployment,
		})
	}
	return ov, nil
}

// Events fetches recent bus messages
func (c *Client) Events(limit int) ([]Event, error) {
	var msgs []struct {
		Type      string    `json:"type"`
		Sender    string    `json:"sender"`
		Recipient string    `json:"recipient"`
		Topic     string    `json:"topic"`
		Timestamp time.Time `json:"timestamp"`
		Priority  string    `json:"priority"`
	}
	if err := c.get(fmt.Sprintf("/communications?limit=%d", limit), &msgs); err != nil {
		return nil, err
	}
	events := make([]Event, len(msgs))
	for i, m := range msgs {
		events[i] = Event{
			Time:      m.Timestamp,
			Type:      m.Type,
			Priority:  m.Priority,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Topic:     m.Topic,
		}
	}
	return events, nil
}

// History fetches recent coordination history
func (c *Client) History(limit int) ([]HistoryItem, error) {
	var entries []struct {
		Action    string         `json:"action"`
		Timestamp time.Time      `json:"timestamp"`
		Details   map[string]any `json:"details"`
	}
	if err := c.get(fmt.Sprintf("/history?limit=%d", limit), &entries); err != nil {
		return nil, err
	}
	items := make([]HistoryItem, len(entries))
	for i, e := range entries {
		items[i] = HistoryItem{Time: e.Timestamp, Action: e.Action, Details: e.Details}
	}
	return items, nil
}

// DeadLetters fetches dead-lettered queue messages
func (c *Client) DeadLetters() ([]DeadLetter, error) {
	var msgs []struct {
		ID           string    `json:"id"`
		Topic        string    `json:"topic"`
		RetryCount   int       `json:"retry_count"`
		ErrorMessage string    `json:"error_message"`
		CreatedAt    time.Time `json:"created_at"`
	}
	if err := c.get("/queue/dead-letters", &msgs); err != nil {
		return nil, err
	}
	out := make([]DeadLetter, len(msgs))
	for i, m := range msgs {
		out[i] = DeadLetter{
			ID:        m.ID,
			Topic:     m.Topic,
			Retries:   m.RetryCount,
			Error:     m.ErrorMessage,
			CreatedAt: m.CreatedAt,
		}
	}
	return out, nil
}

// TriggerLearning forces a learning cycle and returns the number of actions it found
func (c *Client) TriggerLearning() (int, error) {
	resp, err := c.post("/learning/trigger", struct{}{})
	if err != nil {
		return 0, err
	}
	var result struct {
		Cycle struct {
			Actions []json.RawMessage `json:"actions"`
		} `json:"learning_cycle"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	return len(result.Cycle.Actions), nil
}

// Retrain enqueues a retrain job for a model type
func (c *Client) Retrain(model string) (bool, error) {
	resp, err := c.post("/queue/enqueue", map[string]any{
		"topic":    scheduler.TopicRetrain,
		"sender":   "tui",
		"payload":  map[string]string{"model": model},
		"priority": queue.PriorityHigh,
	})
	if err != nil {
		return false, err
	}
	var result struct {
		Created bool `json:"created"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return false, err
	}
	return result.Created, nil
}

// Purge removes completed queue messages older than days
func (c *Client) Purge(days int) (int64, error) {
	resp, err := c.post("/queue/purge", map[string]int{"days": days})
	if err != nil {
		return 0, err
	}
	var result struct {
		Purged int64 `json:"purged"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	return result.Purged, nil
}

// Snapshot snapshots every agent's state
func (c *Client) Snapshot(name string) (string, error) {
	resp, err := c.post("/snapshots", map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"snapshot_id"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	return body, nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}
