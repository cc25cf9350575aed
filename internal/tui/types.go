package tui

import "time"

// Overview is the daemon status shown on the overview screen.
type Overview struct {
	Active      bool
	Agents      []string
	HistorySize int
	DryRun      bool

	QueueCounts map[string]int
	QueueTotal  int

	ActiveWorkers int
	GlobalMax     int
	Processed     int
	Failed        int
	Rejected      int

	BusHistory    int
	Subscriptions int

	LearningLast time.Time
	LearningNext string

	TotalActions int
	SuccessRate  float64

	Models []ModelRow
}

// ModelRow is one model card.
type ModelRow struct {
	ID         string
	Type       string
	Accuracy   float64
	F1         float64
	Deployment string
}

// Event is one bus message.
type Event struct {
	Time      time.Time
	Type      string
	Priority  string
	Sender    string
	Recipient string
	Topic     string
}

// HistoryItem is one coordination history entry.
type HistoryItem struct {
	Time    time.Time
	Action  string
	Details map[string]any
}

// DeadLetter is a message that exhausted its retries.
type DeadLetter struct {
	ID        string
	Topic     string
	Retries   int
	Error     string
	CreatedAt time.Time
}
