package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ryu111/stagehand/internal/daemon"
	"github.com/ryu111/stagehand/internal/engine"
	"github.com/ryu111/stagehand/internal/events"
	"github.com/ryu111/stagehand/internal/model"
	"github.com/ryu111/stagehand/internal/resume"
	"github.com/ryu111/stagehand/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "classify":
		runClassify(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "dispatch":
		runDispatch(os.Args[2:])
	case "complete":
		runComplete(os.Args[2:])
	case "tool-call":
		runToolCall(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "sessions":
		runSessions(os.Args[2:])
	case "resume":
		runResume(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "teardown":
		runTeardown(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "version":
		fmt.Printf("stagehand %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runClassify(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: stagehand classify <session> --pipeline <id> [--task-type <type>] [--source <src>]")
		os.Exit(1)
	}
	sessionID := args[0]
	var pipelineID, taskType, source string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--pipeline":
			i = requireValue(rest, i, "--pipeline")
			pipelineID = rest[i]
		case "--task-type":
			i = requireValue(rest, i, "--task-type")
			taskType = rest[i]
		case "--source":
			i = requireValue(rest, i, "--source")
			source = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}
	if pipelineID == "" {
		fmt.Fprintln(os.Stderr, "--pipeline is required")
		os.Exit(1)
	}

	eng := mustEngine()
	st, err := eng.Classify(sessionID, pipelineID, taskType, source)
	if err != nil {
		fatal("classify", err)
	}
	fmt.Printf("session %s classified as %s (phase %s)\n", sessionID, pipelineID, model.DerivePhase(st))
}

// runPlan installs a planner-produced DAG, read as JSON from a file or stdin.
func runPlan(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: stagehand plan <session> [--file <path|->]")
		os.Exit(1)
	}
	sessionID := args[0]
	file := "-"
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--file":
			i = requireValue(rest, i, "--file")
			file = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}

	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		fatal("read plan", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		fatal("parse plan", err)
	}

	eng := mustEngine()
	st, err := eng.SetPlan(sessionID, raw)
	if err != nil {
		fatal("plan", err)
	}
	fmt.Printf("plan installed: %d stages, ready: %v\n", len(st.Dag), model.ReadyStages(st))
}

func runDispatch(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: stagehand dispatch <session> <stage> [--agent <name>] [--project-dir <dir>]")
		os.Exit(1)
	}
	sessionID, stage := args[0], args[1]
	agent := "worker"
	projectDir := ""
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--agent":
			i = requireValue(rest, i, "--agent")
			agent = rest[i]
		case "--project-dir":
			i = requireValue(rest, i, "--project-dir")
			projectDir = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}

	eng := mustEngine()
	if projectDir != "" {
		eng.SetProjectDir(projectDir)
	}
	_, payload, err := eng.Dispatch(sessionID, stage, agent)
	if err != nil {
		fatal("dispatch", err)
	}
	fmt.Println(string(payload))
}

func runComplete(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: stagehand complete <session> <stage> --status <pass|fail> [--severity <sev>] [--hint <text>] [--artifact <file>]... [--report-file <path>]")
		os.Exit(1)
	}
	sessionID, stage := args[0], args[1]
	var status, severity, hint, reportFile string
	var artifacts []string
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--status":
			i = requireValue(rest, i, "--status")
			status = rest[i]
		case "--severity":
			i = requireValue(rest, i, "--severity")
			severity = rest[i]
		case "--hint":
			i = requireValue(rest, i, "--hint")
			hint = rest[i]
		case "--artifact":
			i = requireValue(rest, i, "--artifact")
			artifacts = append(artifacts, rest[i])
		case "--report-file":
			i = requireValue(rest, i, "--report-file")
			reportFile = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}
	if status != "pass" && status != "fail" {
		fmt.Fprintln(os.Stderr, "--status must be pass or fail")
		os.Exit(1)
	}

	artifactText := ""
	if reportFile != "" {
		data, err := os.ReadFile(reportFile)
		if err != nil {
			fatal("read report", err)
		}
		artifactText = string(data)
	}

	eng := mustEngine()
	outcome, err := eng.HandleStageComplete(engine.StageCompleteEvent{
		SessionID: sessionID,
		Stage:     stage,
		Verdict: &engine.VerdictPayload{
			Status:        status,
			Severity:      severity,
			Hint:          hint,
			ArtifactFiles: artifacts,
		},
		ArtifactText: artifactText,
	})
	if err != nil {
		fatal("complete", err)
	}
	out, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Println(string(out))
}

// runToolCall answers a hook-style tool interception with an allow/deny
// decision on stdout. Exit code 2 signals denial to the calling adapter.
func runToolCall(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: stagehand tool-call <session> <tool>")
		os.Exit(1)
	}

	eng := mustEngine()
	decision, err := eng.HandleToolCall(engine.ToolCallEvent{SessionID: args[0], ToolName: args[1]})
	if err != nil {
		fatal("tool-call", err)
	}
	out, _ := json.Marshal(decision)
	fmt.Println(string(out))
	if !decision.Allow {
		os.Exit(2)
	}
}

func runStatus(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: stagehand status <session> [--json]")
		os.Exit(1)
	}
	sessionID := args[0]
	jsonOutput := false
	for _, a := range args[1:] {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand status <session> [--json]\n", a)
			os.Exit(1)
		}
	}

	dir, _ := mustState()
	st, err := store.NewFileStore(dir).Read(sessionID)
	if err != nil {
		fatal("status", err)
	}
	if st == nil {
		fmt.Fprintf(os.Stderr, "no state for session %s\n", sessionID)
		os.Exit(1)
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("session:  %s\n", st.SessionID)
	fmt.Printf("phase:    %s\n", model.DerivePhase(st))
	fmt.Printf("active:   %v\n", st.PipelineActive)
	if st.Classification != nil {
		fmt.Printf("pipeline: %s\n", st.Classification.PipelineID)
	}
	if len(st.Stages) > 0 {
		fmt.Println("stages:")
		for _, id := range sortedStageIDs(st) {
			stage := st.Stages[id]
			line := fmt.Sprintf("  %-10s %s", id, stage.Status)
			if n := st.Retries[id]; n > 0 {
				line += fmt.Sprintf(" (retries: %d)", n)
			}
			fmt.Println(line)
		}
	}
	if ready := model.ReadyStages(st); len(ready) > 0 {
		fmt.Printf("ready:    %v\n", ready)
	}
}

func runSessions(_ []string) {
	dir, _ := mustState()
	ids, err := store.NewFileStore(dir).SessionIDs()
	if err != nil {
		fatal("sessions", err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func runResume(args []string) {
	dir, _ := mustState()
	fs := store.NewFileStore(dir)
	timeline := events.NewTimeline(filepath.Join(dir, "timeline"), 0)
	scanner := resume.NewScanner(fs, timeline)

	if len(args) == 0 || args[0] == "--list" {
		found, err := scanner.FindIncomplete("", 24*time.Hour)
		if err != nil {
			fatal("resume", err)
		}
		if len(found) == 0 {
			fmt.Println("no incomplete sessions")
			return
		}
		for _, s := range found {
			fmt.Printf("%s  pipeline=%s phase=%s progress=%d/%d last=%s\n",
				s.SessionID, s.PipelineID, s.Phase, s.CompletedCount, s.TotalCount, s.LastTransition)
		}
		return
	}

	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: stagehand resume [--list | <old-session> <new-session>]")
		os.Exit(1)
	}
	st, err := scanner.Resume(args[0], args[1])
	if err != nil {
		fatal("resume", err)
	}
	fmt.Printf("resumed %s as %s (phase %s)\n", args[0], args[1], model.DerivePhase(st))
}

func runSweep(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: stagehand sweep <session>")
		os.Exit(1)
	}

	eng := mustEngine()
	swept, err := eng.SweepBarriers(args[0])
	if err != nil {
		fatal("sweep", err)
	}
	if len(swept) == 0 {
		fmt.Println("no overdue barrier groups")
		return
	}
	for _, sg := range swept {
		fmt.Printf("swept group %s, timed out: %v\n", sg.Group, sg.TimedOutStages)
	}
}

func runCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: stagehand cancel <session>")
		os.Exit(1)
	}
	eng := mustEngine()
	if err := eng.Cancel(args[0]); err != nil {
		fatal("cancel", err)
	}
	fmt.Printf("session %s cancelled\n", args[0])
}

func runTeardown(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: stagehand teardown <session>")
		os.Exit(1)
	}
	eng := mustEngine()
	if err := eng.Teardown(args[0]); err != nil {
		fatal("teardown", err)
	}
	fmt.Printf("session %s torn down\n", args[0])
}

func runWatch(_ []string) {
	dir, cfg := mustState()
	d, err := daemon.New(dir, cfg)
	if err != nil {
		fatal("create watcher", err)
	}
	if err := d.Run(); err != nil {
		fatal("watch", err)
	}
}

// mustState resolves the state directory and loads config, exiting on error.
func mustState() (string, model.Config) {
	dir := findStateDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .stagehand/ directory not found (set STAGEHAND_DIR or create .stagehand/ in the project root)")
		os.Exit(1)
	}
	cfg, err := model.LoadConfig(filepath.Join(dir, "config.yaml"))
	if err != nil {
		fatal("load config", err)
	}
	if cfg.Engine.StateDir != "" {
		dir = cfg.Engine.StateDir
	}
	return dir, cfg
}

func mustEngine() *engine.Engine {
	dir, cfg := mustState()
	return engine.New(dir, cfg, log.New(os.Stderr, "", 0))
}

// findStateDir searches for .stagehand/ in the current directory and
// ancestors. STAGEHAND_DIR overrides the search.
func findStateDir() string {
	if dir := os.Getenv("STAGEHAND_DIR"); dir != "" {
		return dir
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".stagehand")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func requireValue(args []string, i int, flag string) int {
	if i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return i + 1
}

func sortedStageIDs(st *model.SessionState) []string {
	ids := make([]string, 0, len(st.Stages))
	for id := range st.Stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func fatal(op string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `stagehand %s - pipeline orchestration engine

Usage: stagehand <command> [options]

Session lifecycle:
  classify <session> --pipeline <id>   Record a classification decision
  plan <session> [--file <path|->]     Install a planner DAG (JSON)
  dispatch <session> <stage>           Mark a stage active, print its payload
  complete <session> <stage> [flags]   Report a stage outcome
  cancel <session>                     Stop the pipeline, keep history
  teardown <session>                   Delete all session files

Adapter hooks:
  tool-call <session> <tool>           Allow/deny a tool while the pipeline runs

Inspection and recovery:
  status <session> [--json]            Show session state
  sessions                             List known sessions
  resume [--list | <old> <new>]        Rehydrate an incomplete session
  sweep <session>                      Resolve overdue barrier groups

Background:
  watch                                Run the watcher daemon
  version                              Show version
  help                                 Show this help

`, version)
}
