package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"agentcore/internal/backend"
	"agentcore/internal/checkpoint"
	"agentcore/internal/collab"
	"agentcore/internal/config"
	"agentcore/internal/logging"
	"agentcore/internal/provider"
	"agentcore/internal/state"
	"agentcore/internal/storage"
	"agentcore/internal/task"
	"agentcore/internal/tools"
)

func main() {
	var (
		configPath string
		workspace  string
		mode       string
		resumeID   string
		deleteID   string
		listTasks  bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config JSON")
	flag.StringVar(&workspace, "cwd", "", "Workspace root override")
	flag.StringVar(&mode, "mode", "", "Task mode override: plan or act")
	flag.StringVar(&resumeID, "resume", "", "Task id to resume")
	flag.StringVar(&deleteID, "delete", "", "Task id to delete")
	flag.BoolVar(&listTasks, "list", false, "List stored tasks and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if root := strings.TrimSpace(workspace); root != "" {
		cfg.WorkspaceRoot = root
	}
	switch m := config.TaskMode(strings.TrimSpace(mode)); m {
	case "":
	case config.ModePlan, config.ModeAct:
		cfg.Mode = m
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: use plan or act\n", mode)
		os.Exit(2)
	}

	goal := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if resumeID == "" && deleteID == "" && !listTasks && goal == "" {
		fmt.Fprintln(os.Stderr, "usage: agent [flags] <task description>")
		fmt.Fprintln(os.Stderr, "       agent -resume <task-id> | -delete <task-id> | -list")
		os.Exit(2)
	}

	if err := logging.EnableFileLogging(cfg.StateDir, slog.LevelInfo); err != nil {
		fmt.Fprintf(os.Stderr, "file logging unavailable: %v\n", err)
	}

	store, err := storage.NewSQLiteStore(filepath.Join(cfg.StateDir, "tasks.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open task store failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if listTasks {
		printTaskList(store)
		return
	}
	if deleteID != "" {
		if err := state.DeleteTask(store, cfg.StateDir, deleteID); err != nil {
			fmt.Fprintf(os.Stderr, "delete task failed: %v\n", err)
			store.Close()
			os.Exit(1)
		}
		fmt.Printf("task %s deleted\n", deleteID)
		return
	}

	var st *state.Manager
	taskID := resumeID
	if resumeID != "" {
		st, err = state.LoadManager(store, resumeID)
	} else {
		taskID = uuid.NewString()
		st, err = state.NewManager(store, taskID, goal)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "init task state failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := backend.NewClient(
		cfg.Backend.Command, cfg.Backend.Args, cfg.WorkspaceRoot,
		time.Duration(cfg.Backend.InitTimeoutMS)*time.Millisecond,
		func(err error) {
			logging.Get().Error("reasoning backend exited unexpectedly", "err", err)
			fmt.Fprintf(os.Stderr, "\nreasoning backend exited unexpectedly: %v\n", err)
		})
	if err := client.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start reasoning backend failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	var checkpoints *checkpoint.Manager
	if cfg.Checkpoint.Enabled {
		if ok, _ := checkpoint.GitAvailable(); ok {
			checkpoints = checkpoint.NewManager(
				cfg.WorkspaceRoot, cfg.StateDir, taskID, cfg.Checkpoint.Excludes,
				time.Duration(cfg.Checkpoint.InitTimeoutMS)*time.Millisecond)
		} else {
			fmt.Fprintln(os.Stderr, "git not found; workspace checkpoints are disabled")
		}
	}

	files, err := collab.NewFiles(cfg.WorkspaceRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init file collaborator failed: %v\n", err)
		os.Exit(1)
	}
	shell := collab.NewShell(cfg.WorkspaceRoot, cfg.Shell)

	tk := task.New(taskID, st.TaskText(), task.Deps{
		Config:      cfg,
		State:       st,
		Responder:   newConsoleResponder(os.Stdin, os.Stdout),
		Backend:     client,
		Provider:    provider.NewOpenAIProvider(cfg.Provider),
		Checkpoints: checkpoints,
		Collaborators: tools.Collaborators{
			Files:   files,
			Command: shell,
		},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\naborting task...")
		tk.Abort()
		cancel()
	}()

	fmt.Printf("task %s started in workspace %s\n", taskID, cfg.WorkspaceRoot)

	var outcome task.Outcome
	if resumeID != "" {
		outcome = tk.Resume(ctx)
	} else {
		outcome = tk.Run(ctx, goal, nil)
	}

	switch outcome.Status {
	case task.StatusCompleted:
		fmt.Printf("\ntask completed:\n%s\n", outcome.Result)
	case task.StatusAborted:
		fmt.Println("\ntask aborted")
	default:
		fmt.Fprintf(os.Stderr, "\ntask failed: %v\n", outcome.Err)
		client.Close()
		store.Close()
		os.Exit(1)
	}
}

func printTaskList(store *storage.SQLiteStore) {
	summaries, err := state.ListTasks(store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks failed: %v\n", err)
		return
	}
	if len(summaries) == 0 {
		fmt.Println("no stored tasks")
		return
	}
	for _, s := range summaries {
		fmt.Printf("%s  %s  tokens=%d/%d  cost=$%.4f\n",
			s.ID, time.UnixMilli(s.Ts).Format("2006-01-02 15:04"),
			s.TokensIn, s.TokensOut, s.TotalCost)
		if t := strings.TrimSpace(s.Task); t != "" {
			if len(t) > 100 {
				t = t[:100] + "..."
			}
			fmt.Printf("    %s\n", t)
		}
	}
}
