// Package scheduler dispatches persistent queue messages to topic handlers with a bounded worker pool.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of concurrent workers across all topics.
	GlobalMax int `yaml:"global_max"`
	// ByTopic defines per-topic concurrency limits.
	ByTopic map[string]int `yaml:"by_topic"`
	// PollInterval is how often the queue is polled for pending messages.
	PollInterval time.Duration `yaml:"poll_interval"`
	// BatchSize caps how many messages a single poll may dequeue.
	BatchSize int `yaml:"batch_size"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax: 4,
		ByTopic: map[string]int{
			TopicRetrain: 1,
		},
		PollInterval: time.Second,
		BatchSize:    10,
	}
}

// GetTopicLimit returns the concurrency limit for a topic.
func (c *Config) GetTopicLimit(topic string) int {
	if limit, ok := c.ByTopic[topic]; ok && limit > 0 {
		return limit
	}
	return c.GlobalMax
}
