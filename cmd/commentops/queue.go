package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/queue"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the persistent queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show message counts by status",
	RunE:  runQueueStats,
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List messages that exhausted their retries",
	RunE:  runQueueDead,
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue [topic]",
	Short: "Enqueue a message",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueEnqueue,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed messages older than --days",
	RunE:  runQueuePurge,
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "List completed messages, optionally by --topic and --from",
	RunE:  runQueueReplay,
}

var (
	replayTopic     string
	replayFrom      string
	enqueuePayload  string
	enqueueKey      string
	enqueuePriority int
	enqueueRetries  int
	purgeDays       int
)

func init() {
	queueCmd.AddCommand(queueStatsCmd, queueDeadCmd, queueEnqueueCmd, queuePurgeCmd, queueReplayCmd)

	queueReplayCmd.Flags().StringVar(&replayTopic, "topic", "", "Only messages with this topic")
	queueReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Only messages created at or after this RFC 3339 time")

	queueEnqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "{}", "JSON payload")
	queueEnqueueCmd.Flags().StringVar(&enqueueKey, "key", "", "Idempotency key")
	queueEnqueueCmd.Flags().IntVar(&enqueuePriority, "priority", queue.PriorityNormal, "Priority (higher runs first)")
	queueEnqueueCmd.Flags().IntVar(&enqueueRetries, "max-retries", 0, "Retry budget (0 uses the queue default)")

	queuePurgeCmd.Flags().IntVar(&purgeDays, "days", 30, "Age in days")
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/queue/stats")
	if err != nil {
		return err
	}
	var stats models.QueueStats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, s := range models.MessageStatuses {
		fmt.Fprintf(w, "%s\t%d\n", s, stats.Counts[s])
	}
	w.Flush()
	fmt.Printf("\nTotal: %d  Avg retries: %.2f\n", stats.Total, stats.AvgRetries)
	return nil
}

func runQueueDead(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/queue/dead-letters")
	if err != nil {
		return err
	}
	var msgs []models.PersistentMessage
	if err := json.Unmarshal(resp, &msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("No dead letters.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPIC\tRETRIES\tCREATED\tERROR")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.Topic, m.RetryCount, m.CreatedAt.Local().Format(time.DateTime), m.ErrorMessage)
	}
	return w.Flush()
}

func runQueueEnqueue(cmd *cobra.Command, args []string) error {
	if !json.Valid([]byte(enqueuePayload)) {
		return fmt.Errorf("--payload must be valid JSON")
	}
	resp, err := apiPost("/queue/enqueue", queue.EnqueueRequest{
		Topic:          args[0],
		Payload:        json.RawMessage(enqueuePayload),
		Sender:         "cli",
		Priority:       enqueuePriority,
		IdempotencyKey: enqueueKey,
		MaxRetries:     enqueueRetries,
	})
	if err != nil {
		return err
	}
	var res struct {
		ID      string `json:"message_id"`
		Created bool   `json:"created"`
	}
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	if res.Created {
		fmt.Printf("Enqueued message: %s\n", res.ID)
	} else {
		fmt.Printf("Duplicate of message: %s\n", res.ID)
	}
	return nil
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/queue/purge", map[string]int{"days": purgeDays})
	if err != nil {
		return err
	}
	var res struct {
		Purged int64 `json:"purged"`
	}
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	fmt.Printf("Purged %d completed messages older than %d days\n", res.Purged, purgeDays)
	return nil
}

func runQueueReplay(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if replayTopic != "" {
		q.Set("topic", replayTopic)
	}
	if replayFrom != "" {
		if _, err := time.Parse(time.RFC3339, replayFrom); err != nil {
			return fmt.Errorf("--from must be an RFC 3339 time: %w", err)
		}
		q.Set("from", replayFrom)
	}
	path := "/queue/replay"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	var msgs []models.PersistentMessage
	if err := json.Unmarshal(resp, &msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("No completed messages.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPIC\tSENDER\tCREATED\tPAYLOAD")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Topic, m.Sender, m.CreatedAt.Local().Format(time.DateTime), m.Payload)
	}
	return w.Flush()
}
