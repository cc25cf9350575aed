package models

import (
	"fmt"
	"time"
)

// ActionKind identifies a remediation the executor knows how to run.
// Only the constants below are valid; parsing rejects anything else.
type ActionKind string

const (
	ActionAlertOps         ActionKind = "alert_ops"
	ActionRetrainSentiment ActionKind = "retrain_sentiment"
	ActionRetrainTopic     ActionKind = "retrain_topic"
	ActionAnalyzeSpike     ActionKind = "analyze_spike"
)

// ActionKinds lists every action kind.
var ActionKinds = []ActionKind{
	ActionAlertOps,
	ActionRetrainSentiment,
	ActionRetrainTopic,
	ActionAnalyzeSpike,
}

// ParseActionKind validates s as an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	for _, k := range ActionKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ActionKind) UnmarshalText(b []byte) error {
	parsed, err := ParseActionKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Level is a coarse priority used by goals and plans.
type Level string

const (
	LevelCritical Level = "critical"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
)

// Rank orders levels for sorting; lower ranks run first.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 0
	case LevelHigh:
		return 1
	case LevelMedium:
		return 2
	default:
		return 3
	}
}

// Operator is the comparison a goal's metric must satisfy.
type Operator string

const (
	OpGreaterEqual Operator = ">="
	OpGreater      Operator = ">"
	OpLessEqual    Operator = "<="
	OpLess         Operator = "<"
)

// ParseOperator validates s as an Operator.
func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case OpGreaterEqual, OpGreater, OpLessEqual, OpLess:
		return Operator(s), nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operator) UnmarshalText(b []byte) error {
	parsed, err := ParseOperator(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Violated reports whether value breaches the goal expressed by op and threshold.
//
// ">=" and "<=" describe the acceptable range, while ">" and "<" describe the
// alarm condition itself, so "metric > 0.2" fires when the metric exceeds 0.2.
func (o Operator) Violated(value, threshold float64) bool {
	switch o {
	case OpGreaterEqual:
		return value < threshold
	case OpGreater:
		return value > threshold
	case OpLessEqual:
		return value > threshold
	case OpLess:
		return value < threshold
	}
	return false
}

// Goal is a KPI target.
type Goal struct {
	Metric    string     `json:"metric" yaml:"metric"`
	Threshold float64    `json:"threshold" yaml:"threshold"`
	Operator  Operator   `json:"operator" yaml:"operator"`
	Priority  Level      `json:"priority" yaml:"priority"`
	Action    ActionKind `json:"action" yaml:"action"`
}

// Validate checks that a goal can be evaluated.
func (g Goal) Validate() error {
	if g.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	if _, err := ParseOperator(string(g.Operator)); err != nil {
		return err
	}
	if _, err := ParseActionKind(string(g.Action)); err != nil {
		return err
	}
	return nil
}

// Violation is a goal breached by a live metric.
type Violation struct {
	Goal      string     `json:"goal"`
	Metric    string     `json:"metric"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Priority  Level      `json:"priority"`
	Action    ActionKind `json:"action"`
	Timestamp time.Time  `json:"timestamp"`
}

// AnomalyType names a detected deviation from the baseline.
type AnomalyType string

const (
	AnomalySentimentDrift AnomalyType = "sentiment_drift"
	AnomalyTopicDrift     AnomalyType = "topic_drift"
	AnomalyNegativeSpike  AnomalyType = "negative_spike"
)

// Anomaly is a deviation found by comparing current metrics to the baseline.
type Anomaly struct {
	Type    AnomalyType `json:"type"`
	Score   float64     `json:"score"`
	Message string      `json:"message"`
}

// PlannedAction is one step of a plan.
type PlannedAction struct {
	Kind        ActionKind `json:"type"`
	Description string     `json:"description"`
	Steps       []string   `json:"steps"`
	Priority    Level      `json:"priority,omitempty"`
}

// Plan aggregates violations and anomalies into actions.
type Plan struct {
	CreatedAt  time.Time       `json:"timestamp"`
	Violations []Violation     `json:"violations"`
	Anomalies  []Anomaly       `json:"anomalies"`
	Actions    []PlannedAction `json:"actions"`
}

// ExecutionResult is the outcome of running one planned action.
type ExecutionResult struct {
	Action    ActionKind `json:"action"`
	Timestamp time.Time  `json:"timestamp"`
	DryRun    bool       `json:"dry_run"`
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	// RecordID is the action's ledger id, zero when it was not recorded.
	RecordID int64 `json:"record_id,omitempty"`
}

// ActionRecord is a ledger entry for an executed action.
type ActionRecord struct {
	ID        int64           `json:"id"`
	Action    ActionKind      `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Result    ExecutionResult `json:"result"`
	Success   bool            `json:"success"`
}

// Outcome records metric movement attributed to an action.
type Outcome struct {
	ID            int64              `json:"id"`
	ActionID      int64              `json:"action_id"`
	Timestamp     time.Time          `json:"timestamp"`
	MetricsBefore map[string]float64 `json:"metrics_before"`
	MetricsAfter  map[string]float64 `json:"metrics_after"`
	Improvement   map[string]float64 `json:"improvement"`
}

// MetricsSnapshot is what the analysis pipeline hands to the orchestration loop.
type MetricsSnapshot struct {
	SentimentDistribution map[string]float64 `json:"sentiment_distribution,omitempty"`
	TopicDistribution     map[string]float64 `json:"topic_distribution,omitempty"`
	NegativeRatio         float64            `json:"negative_ratio"`
	TotalCount            int                `json:"total_count"`
	Timestamp             time.Time          `json:"timestamp"`
	// Extra carries model metrics such as sentiment_accuracy.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// ModelMetrics is one measurement of a model.
type ModelMetrics struct {
	Accuracy  float64   `json:"accuracy"`
	Precision float64   `json:"precision"`
	Recall    float64   `json:"recall"`
	F1Score   float64   `json:"f1_score"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelCard describes a trained model and its metric history.
type ModelCard struct {
	ModelID          string         `json:"model_id"`
	ModelName        string         `json:"model_name"`
	ModelType        string         `json:"model_type"`
	Version          string         `json:"version"`
	Metrics          ModelMetrics   `json:"metrics"`
	History          []ModelMetrics `json:"performance_history"`
	TrainingDataSize int            `json:"training_data_size"`
	Hyperparameters  map[string]any `json:"hyperparameters,omitempty"`
	Status           string         `json:"status"`
	DeploymentStatus string         `json:"deployment_status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
