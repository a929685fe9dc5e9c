package internal

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	kexec "k8s.io/utils/exec"

	"github.com/tylergannon/quiesce/debounce"
)

// stringSlice is a flag.Value that collects multiple -r or -d flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// parseMode maps a -mode flag value onto a debounce mode.
func parseMode(value string) (debounce.Mode, error) {
	switch value {
	case "leading":
		return debounce.Leading, nil
	case "trailing":
		return debounce.Trailing, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: must be leading or trailing", value)
	}
}

// Run is the main entry point for the CLI.
func Run() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		cmdStart(args)
	case "status":
		cmdStatus(args)
	case "trigger":
		cmdTrigger(args)
	case "stop":
		cmdStop(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`quiesce - Run a command once file changes settle

Usage:
  quiesce <command> [options]

Commands:
  start     Start the daemon: watch the workspace, run the command per batch
  status    Get the latest run result
  trigger   Mark a batch as pending without touching a file
  stop      Stop the daemon

Options for 'start':
  -w, --workspace <path>   Working directory (default: current directory)
  -r <dir>                 Add recursive watch directory (can be repeated)
  -d <dir>                 Add non-recursive watch directory (can be repeated)
  -cooldown <duration>     Quiet period before a batch runs (default: 500ms)
  -mode <leading|trailing> Debounce mode (default: trailing)

  The command to run follows the options, e.g.:
    quiesce start -r ./src -cooldown 2s -- go test ./...

Options for 'status':
  -w, --workspace <path>   Working directory (default: current directory)
  --format <human|json>    Output format (default: human)
  --timeout <duration>     Timeout waiting for a run to complete (default: 2m)

Defaults:
  - Watch '.' non-recursively
  - Watch './src' recursively
  - Watch '.git/HEAD' and current branch ref for git changes`)
}

func cmdStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)

	var workspace string
	var recursiveDirs stringSlice
	var nonRecursiveDirs stringSlice
	var cooldown time.Duration
	var modeName string

	fs.StringVar(&workspace, "w", ".", "Working directory")
	fs.StringVar(&workspace, "workspace", ".", "Working directory")
	fs.Var(&recursiveDirs, "r", "Recursive watch directory (can be repeated)")
	fs.Var(&nonRecursiveDirs, "d", "Non-recursive watch directory (can be repeated)")
	fs.DurationVar(&cooldown, "cooldown", 500*time.Millisecond, "Quiet period before a batch runs")
	fs.StringVar(&modeName, "mode", "trailing", "Debounce mode: leading or trailing")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	command := fs.Args()
	if len(command) > 0 && command[0] == "--" {
		command = command[1:]
	}
	if len(command) == 0 {
		fmt.Fprintln(os.Stderr, "No command given; see 'quiesce help'")
		os.Exit(1)
	}

	mode, err := parseMode(modeName)
	if err != nil {
		log.Fatalf("Invalid flags: %v", err)
	}

	if len(recursiveDirs) == 0 && len(nonRecursiveDirs) == 0 {
		nonRecursiveDirs = []string{"."}
		recursiveDirs = []string{"./src"}
	}

	if workspace == "." {
		workspace, err = os.Getwd()
		if err != nil {
			log.Fatalf("Failed to get working directory: %v", err)
		}
	}

	socketPath, err := SocketPathForWorkspace(workspace)
	if err != nil {
		log.Fatalf("Failed to get socket path: %v", err)
	}

	if SocketExists(socketPath) {
		log.Fatalf("Daemon already running (socket exists at %s)", socketPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := kexec.New()
	gate := debounce.New(cooldown, mode)

	r := NewRunner(workspace, command, gate, executor)
	r.Start(ctx)

	srv := NewServer(socketPath, r, gate)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	watcherConfig := WatcherConfig{
		WorkspacePath:    workspace,
		RecursiveDirs:    recursiveDirs,
		NonRecursiveDirs: nonRecursiveDirs,
	}

	fsWatcher, err := NewRealFSWatcher()
	if err != nil {
		_ = srv.Stop(ctx)
		log.Fatalf("Failed to create filesystem watcher: %v", err)
	}

	gitHeadWatcher, err := NewRealGitHeadWatcher(workspace, executor)
	if err != nil {
		_ = srv.Stop(ctx)
		log.Fatalf("Failed to create git watcher: %v", err)
	}

	w := NewWatcher(watcherConfig, gate, fsWatcher, gitHeadWatcher)

	// Start git watcher in background
	go gitHeadWatcher.Start(ctx)

	go w.Start(ctx)

	log.Printf("Daemon started on %s", socketPath)
	log.Printf("Running %q after %s of quiet (%s mode)", command, cooldown, mode)
	log.Printf("Watching directories: %v (non-recursive), %v (recursive)", nonRecursiveDirs, recursiveDirs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-srv.ShutdownCh():
	}

	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	cancel()
	<-r.Done()
	_ = w.Close()
	_ = gitHeadWatcher.Close()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping server: %v", err)
	}

	log.Println("Daemon stopped")
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)

	var workspace string
	var timeout time.Duration
	var format string

	fs.StringVar(&workspace, "w", ".", "Working directory")
	fs.StringVar(&workspace, "workspace", ".", "Working directory")
	fs.DurationVar(&timeout, "timeout", 120*time.Second, "Timeout waiting for a run to complete")
	fs.StringVar(&format, "format", "human", "Output format: human or json")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if workspace == "." {
		var err error
		workspace, err = os.Getwd()
		if err != nil {
			log.Fatalf("Failed to get working directory: %v", err)
		}
	}

	c, err := NewClient(workspace)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	if !c.IsServerRunning() {
		log.Fatalf("Daemon not running (no socket at %s)", c.SocketPath())
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	output, failed, err := c.Status(ctx, format)
	if err != nil {
		log.Fatalf("Failed to get status: %v", err)
	}

	fmt.Print(output)
	if output != "" && output[len(output)-1] != '\n' {
		fmt.Println()
	}

	if failed {
		os.Exit(1)
	}
}

func cmdTrigger(args []string) {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)

	var workspace string

	fs.StringVar(&workspace, "w", ".", "Working directory")
	fs.StringVar(&workspace, "workspace", ".", "Working directory")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if workspace == "." {
		var err error
		workspace, err = os.Getwd()
		if err != nil {
			log.Fatalf("Failed to get working directory: %v", err)
		}
	}

	c, err := NewClient(workspace)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	if !c.IsServerRunning() {
		log.Fatalf("Daemon not running (no socket at %s)", c.SocketPath())
	}

	if err := c.Trigger(context.Background()); err != nil {
		log.Fatalf("Failed to trigger: %v", err)
	}

	fmt.Println("Triggered")
}

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)

	var workspace string

	fs.StringVar(&workspace, "w", ".", "Working directory")
	fs.StringVar(&workspace, "workspace", ".", "Working directory")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if workspace == "." {
		var err error
		workspace, err = os.Getwd()
		if err != nil {
			log.Fatalf("Failed to get working directory: %v", err)
		}
	}

	c, err := NewClient(workspace)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	if !c.IsServerRunning() {
		fmt.Println("Daemon is not running")
		return
	}

	if err := c.Stop(context.Background()); err != nil {
		log.Fatalf("Failed to stop daemon: %v", err)
	}

	fmt.Println("Daemon stopped")
}
