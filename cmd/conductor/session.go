package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/conductor/internal/controlplane"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/tui"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage generation sessions",
}

var sessionSubmitCmd = &cobra.Command{
	Use:   "submit [prompt]",
	Short: "Submit a prompt and start a session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionSubmit,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a session with its agents and work packages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events [session-id]",
	Short: "Print a session's event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionEvents,
}

var sessionExportCmd = &cobra.Command{
	Use:   "export [session-id]",
	Short: "Download the session's artifacts as a zip bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionExport,
}

var sessionPlanCmd = &cobra.Command{
	Use:   "plan [session-id] [work_packages.json]",
	Short: "Add work packages to a session from a plan file",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionPlan,
}

var sessionRetryCmd = &cobra.Command{
	Use:   "retry [session-id] [work-package-id]",
	Short: "Retry a failed work package",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionRetry,
}

var (
	promptFile    string
	includeTests  bool
	includeDocs   bool
	watchAfter    bool
	sessionStatus string
	eventsAfter   int64
	eventsFollow  bool
	exportOut     string
)

func init() {
	sessionCmd.AddCommand(sessionSubmitCmd, sessionListCmd, sessionShowCmd, sessionEventsCmd,
		sessionExportCmd, sessionPlanCmd, sessionRetryCmd,
		sessionActionCmd("stop", "Stop a session's worker and mark it stopped"),
		sessionActionCmd("pause", "Suspend a running worker"),
		sessionActionCmd("resume", "Continue a paused worker"),
	)

	sessionSubmitCmd.Flags().StringVarP(&promptFile, "file", "f", "", "Read the prompt from a file (- for stdin)")
	sessionSubmitCmd.Flags().BoolVar(&includeTests, "tests", false, "Ask the worker to generate tests")
	sessionSubmitCmd.Flags().BoolVar(&includeDocs, "docs", false, "Ask the worker to generate documentation")
	sessionSubmitCmd.Flags().BoolVarP(&watchAfter, "watch", "w", false, "Open the monitor after submitting")

	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status (pending, analyzing, running, paused, completed, failed, stopped)")

	sessionEventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "Only events after this sequence")
	sessionEventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "F", false, "Keep streaming live events until the session completes")

	sessionExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Output file (default <session-id>.zip)")
}

func sessionActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [session-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiPost("/sessions/"+args[0]+"/"+action, nil)
			if err != nil {
				return err
			}
			var s models.Session
			if err := json.Unmarshal(resp, &s); err != nil {
				return err
			}
			fmt.Printf("Session %s is %s\n", s.ID, s.Status)
			return nil
		},
	}
}

func readPrompt(args []string) (string, error) {
	switch {
	case promptFile == "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	case promptFile != "":
		data, err := os.ReadFile(promptFile)
		return string(data), err
	case len(args) == 1:
		return args[0], nil
	}
	return "", fmt.Errorf("a prompt argument or --file is required")
}

func runSessionSubmit(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args)
	if err != nil {
		return err
	}
	resp, err := apiPost("/sessions", map[string]interface{}{
		"prompt":        prompt,
		"include_tests": includeTests,
		"include_docs":  includeDocs,
	})
	if err != nil {
		return err
	}

	var s models.Session
	if err := json.Unmarshal(resp, &s); err != nil {
		return err
	}
	fmt.Printf("Created session: %s (%s)\n", s.ID, s.Status)
	fmt.Printf("Output:          %s\n", s.OutputDir)

	if watchAfter {
		return tui.New(apiAddr, s.ID).Run()
	}
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	path := "/sessions"
	if sessionStatus != "" {
		path += "?status=" + sessionStatus
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var sessions []models.Session
	if err := json.Unmarshal(resp, &sessions); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPACKAGES\tFILES\tCREATED\tPROMPT")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			s.ID, s.Status, s.WorkPackagesCompleted, s.WorkPackagesTotal, s.FilesCreated,
			s.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(oneLine(s.Prompt), 40))
	}
	w.Flush()
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	id := args[0]
	resp, err := apiGet("/sessions/" + id)
	if err != nil {
		return err
	}
	var s models.Session
	if err := json.Unmarshal(resp, &s); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", s.ID)
	fmt.Printf("Status:   %s\n", s.Status)
	fmt.Printf("Prompt:   %s\n", oneLine(s.Prompt))
	fmt.Printf("Output:   %s\n", s.OutputDir)
	fmt.Printf("Options:  tests=%v docs=%v\n", s.Options.IncludeTests, s.Options.IncludeDocs)
	fmt.Printf("Files:    %d\n", s.FilesCreated)
	fmt.Printf("Packages: %d/%d\n", s.WorkPackagesCompleted, s.WorkPackagesTotal)
	if s.Status.IsTerminal() {
		fmt.Printf("Duration: %.1fs\n", s.DurationSec)
		fmt.Printf("Metrics:  %d/%d tasks, %.0f%% success, avg %.1fs\n",
			s.Metrics.CompletedTasks, s.Metrics.TotalTasks, s.Metrics.SuccessRate*100, s.Metrics.AvgCompletionSec)
	}
	if s.Error != "" {
		fmt.Printf("Error:    %s\n", s.Error)
	}
	fmt.Printf("Created:  %s\n", s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:  %s\n", s.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	resp, err = apiGet("/sessions/" + id + "/agents")
	if err != nil {
		return err
	}
	var agents []models.Agent
	if err := json.Unmarshal(resp, &agents); err != nil {
		return err
	}
	fmt.Println("\nAgents:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tSTATUS\tPROGRESS\tFILES\tSTEP")
	for _, a := range agents {
		fmt.Fprintf(w, "  %s\t%s\t%d%%\t%d\t%s\n", a.Name, a.Status, a.Progress, a.FilesCreated, truncate(a.CurrentStep, 40))
	}
	w.Flush()

	resp, err = apiGet("/sessions/" + id + "/plan")
	if err != nil {
		return err
	}
	var plan controlplane.Plan
	if err := json.Unmarshal(resp, &plan); err != nil {
		return err
	}
	packages := plan.Packages
	if len(packages) > 0 {
		fmt.Printf("\nWork packages (%s, batch %d):\n", plan.Outcome, plan.BatchSize)
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTATUS\tPRIORITY\tDEPENDS ON\tTITLE")
		for _, wp := range packages {
			fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\n", wp.ID, wp.Status, wp.Priority,
				strings.Join(wp.Dependencies, ","), truncate(wp.Title, 40))
		}
		w.Flush()
	}
	return nil
}

func runSessionEvents(cmd *cobra.Command, args []string) error {
	id := args[0]
	after := eventsAfter
	for {
		resp, err := apiGet(fmt.Sprintf("/sessions/%s/events?after=%d&limit=%d", id, after, controlplane.MaxEventLimit))
		if err != nil {
			return err
		}
		var page controlplane.EventPage
		if err := json.Unmarshal(resp, &page); err != nil {
			return err
		}
		for _, ev := range page.Events {
			printEvent(ev)
		}
		after = page.NextAfter
		if !page.HasMore {
			break
		}
	}
	if !eventsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	stream, err := tui.NewClient(apiAddr).Subscribe(ctx, id, after)
	if err != nil {
		return err
	}
	defer stream.Close()
	for ev := range stream.Events {
		printEvent(ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	return stream.Err()
}

func printEvent(ev models.AgentEvent) {
	payload, _ := json.Marshal(ev.Payload)
	agent := ev.AgentID
	if agent == "" {
		agent = "-"
	} else {
		agent = truncateID(agent)
	}
	fmt.Printf("%6d  %s  %-16s  %-8s  %s\n", ev.Sequence, ev.Timestamp.Local().Format("15:04:05.000"), ev.Type, agent, payload)
}

func runSessionExport(cmd *cobra.Command, args []string) error {
	id := args[0]
	out := exportOut
	if out == "" {
		out = id + ".zip"
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := apiDownload("/sessions/"+id+"/export", f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return err
	}
	abs, _ := filepath.Abs(out)
	fmt.Printf("Wrote %s (%d bytes)\n", abs, n)
	return nil
}

func runSessionPlan(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	resp, err := apiPost("/sessions/"+args[0]+"/work-packages", data)
	if err != nil {
		return err
	}
	var packages []models.WorkPackage
	if err := json.Unmarshal(resp, &packages); err != nil {
		return err
	}
	fmt.Printf("Session now has %d work packages\n", len(packages))
	return nil
}

func runSessionRetry(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/sessions/"+args[0]+"/work-packages/"+args[1]+"/retry", nil)
	if err != nil {
		return err
	}
	var wp models.WorkPackage
	if err := json.Unmarshal(resp, &wp); err != nil {
		return err
	}
	fmt.Printf("Work package %s is %s\n", wp.ID, wp.Status)
	return nil
}

// --- Helpers ---

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
