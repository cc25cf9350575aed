package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/state"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect agent state and snapshots",
}

var stateShowCmd = &cobra.Command{
	Use:   "show [agent]",
	Short: "Show an agent's latest (or --version) state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history [agent]",
	Short: "List an agent's saved versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateHistory,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create a snapshot of agent state",
	RunE:  runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List snapshots",
	RunE:  runSnapshotList,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore [snapshot-id]",
	Short: "Restore every agent captured by a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRestore,
}

var stateRollbackCmd = &cobra.Command{
	Use:   "rollback [agent] [version]",
	Short: "Read back an earlier version of an agent's state",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateRollback,
}

var (
	stateVersion   int
	historyLimit   int
	snapshotName   string
	snapshotAgents []string
)

func init() {
	stateCmd.AddCommand(stateShowCmd, stateHistoryCmd, stateRollbackCmd, snapshotCmd, snapshotListCmd, snapshotRestoreCmd)

	stateShowCmd.Flags().IntVar(&stateVersion, "version", 0, "Version to load (0 for latest)")
	stateHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum versions to list")

	snapshotCmd.Flags().StringVar(&snapshotName, "name", "manual", "Snapshot name")
	snapshotCmd.Flags().StringSliceVar(&snapshotAgents, "agents", nil, "Agents to capture (default: all with saved state)")
}

func runStateShow(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/state/%s?version=%d", url.PathEscape(args[0]), stateVersion)
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	var st models.AgentState
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}

	fmt.Printf("%s %s v%d  %s\n", headerStyle.Render("Agent"), st.AgentID, st.Version, st.Timestamp.Local().Format(time.DateTime))
	fmt.Printf("%s\n", mutedStyle.Render("checksum "+st.Checksum))
	return printJSON(st.Payload)
}

func runStateHistory(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/state/%s/history?limit=%d", url.PathEscape(args[0]), historyLimit)
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	var states []models.AgentState
	if err := json.Unmarshal(resp, &states); err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No saved state.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSAVED\tCHECKSUM\tSIZE")
	for _, s := range states {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", s.Version, s.Timestamp.Local().Format(time.DateTime), s.Checksum[:min(12, len(s.Checksum))], len(s.Payload))
	}
	return w.Flush()
}

func runStateRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[1])
	if err != nil || version <= 0 {
		return fmt.Errorf("version must be a positive integer, got %q", args[1])
	}
	resp, err := apiPost(fmt.Sprintf("/state/%s/restore/%d", url.PathEscape(args[0]), version), nil)
	if err != nil {
		return err
	}
	var st models.AgentState
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}

	fmt.Printf("%s %s v%d  %s\n", statusText("ok"), st.AgentID, st.Version, st.Timestamp.Local().Format(time.DateTime))
	return printJSON(st.Payload)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/snapshots", map[string]any{"name": snapshotName, "agents": snapshotAgents})
	if err != nil {
		return err
	}
	var res struct {
		ID string `json:"snapshot_id"`
	}
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	fmt.Printf("Created snapshot: %s\n", res.ID)
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/snapshots")
	if err != nil {
		return err
	}
	var snaps []state.SnapshotInfo
	if err := json.Unmarshal(resp, &snaps); err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tAGENTS")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.CreatedAt.Local().Format(time.DateTime), strings.Join(s.Agents, ","))
	}
	return w.Flush()
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/snapshots/"+url.PathEscape(args[0])+"/restore", nil)
	if err != nil {
		return err
	}
	var results map[string]state.RestoreResult
	if err := json.Unmarshal(resp, &results); err != nil {
		return err
	}

	agents := make([]string, 0, len(results))
	for a := range results {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	failed := 0
	for _, a := range agents {
		r := results[a]
		if r.Success {
			fmt.Printf("  %s %s -> v%d\n", statusText("ok"), a, r.Version)
		} else {
			failed++
			fmt.Printf("  %s %s: %s\n", statusText("failed"), a, r.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d agents failed to restore", failed, len(agents))
	}
	return nil
}
