// Package internal contains the core logic for quiesce, a daemon that
// watches a workspace and runs a command once file changes settle. All
// change sources (filesystem events, git ref updates, manual requests)
// feed a shared debounce gate; a single runner drains it one batch at a
// time.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	signal "github.com/tylergannon/go-signal"
	kexec "k8s.io/utils/exec"

	"github.com/tylergannon/quiesce/debounce"
)

// =============================================================================
// Watcher Limit
// =============================================================================

// MaxWatchers is the global limit on the number of filesystem watchers.
// If this limit is exceeded, creating new watchers will fail with ErrTooManyWatchers.
// This prevents misconfiguration from exhausting OS resources.
const MaxWatchers = 100

// globalWatcherCount tracks the number of active filesystem watchers.
var globalWatcherCount atomic.Int32

// ErrTooManyWatchers is returned when attempting to create a watcher would exceed MaxWatchers.
var ErrTooManyWatchers = errors.New("too many filesystem watchers: limit exceeded")

// WatcherCount returns the current number of active watchers.
func WatcherCount() int32 {
	return globalWatcherCount.Load()
}

// acquireWatcher attempts to increment the watcher count.
// Returns an error if the limit would be exceeded.
func acquireWatcher() error {
	for {
		current := globalWatcherCount.Load()
		if current >= MaxWatchers {
			return ErrTooManyWatchers
		}
		if globalWatcherCount.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

// releaseWatcher decrements the watcher count.
func releaseWatcher() {
	globalWatcherCount.Add(-1)
}

// =============================================================================
// Socket Path
// =============================================================================

// SocketPathForWorkspace returns the socket path for a given workspace
// directory. The path is /tmp/<path-slug>-quiesce.sock where path-slug is
// the workspace path with slashes replaced by dashes.
func SocketPathForWorkspace(workspacePath string) (string, error) {
	absPath, err := filepath.Abs(workspacePath)
	if err != nil {
		return "", err
	}

	absPath = filepath.Clean(absPath)
	slug := strings.TrimPrefix(absPath, string(os.PathSeparator))
	slug = strings.ReplaceAll(slug, string(os.PathSeparator), "-")

	return filepath.Join(os.TempDir(), slug+"-quiesce.sock"), nil
}

// SocketExists checks if a socket file exists at the given path.
func SocketExists(socketPath string) bool {
	_, err := os.Stat(socketPath)
	return err == nil
}

// =============================================================================
// Run Results
// =============================================================================

// RunResult records one execution of the configured command.
type RunResult struct {
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	ExitCode   int       `json:"exitCode"`
	Output     string    `json:"output"`
	Error      string    `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StatusReport is the payload served on GET /status: the latest run plus
// whether another batch is already pending behind it.
type StatusReport struct {
	Pending bool      `json:"pending"`
	Result  RunResult `json:"result"`
}

// FormatHuman renders a status report for terminal output.
func FormatHuman(report StatusReport) string {
	var b strings.Builder

	r := report.Result
	fmt.Fprintf(&b, "command: %s\n", r.Command)
	fmt.Fprintf(&b, "finished: %s (took %s)\n", r.FinishedAt.Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	} else {
		fmt.Fprintf(&b, "exit code: %d\n", r.ExitCode)
	}
	if report.Pending {
		b.WriteString("pending: a new batch of changes is waiting\n")
	}
	if r.Output != "" {
		b.WriteString("\n")
		b.WriteString(r.Output)
		if !strings.HasSuffix(r.Output, "\n") {
			b.WriteString("\n")
		}
	}

	return b.String()
}

// =============================================================================
// Runner
// =============================================================================

// Runner is the single consumer of the debounce gate. Each readiness cycle
// it runs the configured command once, publishes the result, and
// acknowledges the batch. A batch interrupted by shutdown is re-armed so a
// later start picks it up instead of losing it.
type Runner struct {
	workdir  string
	command  []string
	executor kexec.Interface
	gate     *debounce.Debouncer

	// Holds the latest completed run. Readers block while a run is in
	// progress.
	latest *signal.Signal[RunResult]
	done   chan struct{}
}

// NewRunner creates a Runner that executes command in workdir once per
// readiness cycle of gate.
func NewRunner(workdir string, command []string, gate *debounce.Debouncer, executor kexec.Interface) *Runner {
	return &Runner{
		workdir:  workdir,
		command:  command,
		executor: executor,
		gate:     gate,
		latest:   signal.New[RunResult](),
		done:     make(chan struct{}),
	}
}

// Start begins consuming the gate. The loop exits when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Done returns a channel that closes when the consume loop has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// LatestResult blocks until a run has completed and returns it. If a run is
// in progress, this blocks until it finishes.
func (r *Runner) LatestResult() RunResult {
	return r.latest.Get()
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	for {
		guard, err := r.gate.Ready(ctx)
		if err != nil {
			return
		}

		// Invalidate so status readers block until this run completes.
		r.latest.Invalidate()
		result := r.runOnce(ctx)
		if ctx.Err() != nil {
			// Shutdown interrupted the run; leave the batch pending.
			guard.Rearm()
			return
		}
		r.latest.Set(result)
		guard.Done()

		log.Printf("Run finished: exit %d in %s", result.ExitCode, result.Duration().Round(time.Millisecond))
	}
}

// runOnce executes the command a single time and captures its outcome.
func (r *Runner) runOnce(ctx context.Context) RunResult {
	started := time.Now()
	cmd := r.executor.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.SetDir(r.workdir)

	out, err := cmd.CombinedOutput()

	result := RunResult{
		Command:    strings.Join(r.command, " "),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Output:     string(out),
	}
	if err != nil {
		if exitErr, ok := err.(kexec.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			result.ExitCode = -1
			result.Error = err.Error()
		}
	}
	return result
}

// =============================================================================
// Server
// =============================================================================

// Server is an HTTP server over UDS that exposes the runner's results and
// accepts manual triggers.
type Server struct {
	socketPath string
	runner     *Runner
	gate       *debounce.Debouncer
	httpServer *http.Server
	mu         sync.Mutex
	shutdownCh chan struct{}
}

// NewServer creates a new Server.
func NewServer(socketPath string, runner *Runner, gate *debounce.Debouncer) *Server {
	return &Server{
		socketPath: socketPath,
		runner:     runner,
		gate:       gate,
		shutdownCh: make(chan struct{}),
	}
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /trigger", s.handleTrigger)
	mux.HandleFunc("POST /stop", s.handleStop)

	s.httpServer = &http.Server{Handler: mux}

	go func() { _ = s.httpServer.Serve(listener) }()

	return nil
}

// Stop gracefully shuts down the server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	_ = os.Remove(s.socketPath)
	return err
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ShutdownCh returns a channel that closes when shutdown is requested via HTTP.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	// Blocks while a run is in flight, so callers always see a settled
	// result. The pending flag is sampled after, so a batch that arrived
	// during the wait is still reported.
	result := s.runner.LatestResult()
	report := StatusReport{
		Pending: s.gate.IsTriggered(),
		Result:  result,
	}

	// Check for format query parameter: ?format=json or ?format=human (default)
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "human"
	}

	if result.ExitCode != 0 || result.Error != "" {
		w.WriteHeader(http.StatusInternalServerError)
	}

	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(report)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(FormatHuman(report)))
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	s.gate.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	go func() { close(s.shutdownCh) }()
}

// =============================================================================
// Client
// =============================================================================

// Client communicates with the quiesce server.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new Client for the given workspace.
func NewClient(workspacePath string) (*Client, error) {
	socketPath, err := SocketPathForWorkspace(workspacePath)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	return &Client{
		socketPath: socketPath,
		httpClient: httpClient,
	}, nil
}

// IsServerRunning checks if the server is running.
func (c *Client) IsServerRunning() bool {
	return SocketExists(c.socketPath)
}

// Status retrieves the latest run result from the server. Blocks if a run
// is currently in progress. format can be "human" or "json".
// Returns the output, whether the last run failed, and any error
// communicating with the server.
func (c *Client) Status(ctx context.Context, format string) (output string, failed bool, err error) {
	url := "http://unix/status"
	if format != "" && format != "human" {
		url = fmt.Sprintf("http://unix/status?format=%s", format)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, err
	}

	output = string(body)
	failed = resp.StatusCode == http.StatusInternalServerError
	return output, failed, nil
}

// Trigger asks the server to mark a batch of work as pending, as if a file
// had changed.
func (c *Client) Trigger(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "POST", "http://unix/trigger", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// SocketPath returns the socket path for this client.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Stop requests the server to shut down gracefully via HTTP.
func (c *Client) Stop(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "POST", "http://unix/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// Watcher
// =============================================================================

// FSWatcher abstracts filesystem watching for testability.
type FSWatcher interface {
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Add(path string, recursive bool) error
	Rescan() error
	Close() error
}

// RealFSWatcher wraps fsnotify.Watcher to implement FSWatcher.
type RealFSWatcher struct {
	watcher *fsnotify.Watcher
	paths   []watchedPath // track paths for Rescan
	mu      sync.Mutex
}

type watchedPath struct {
	path      string
	recursive bool
}

// NewRealFSWatcher creates a new RealFSWatcher.
// Returns ErrTooManyWatchers if the global watcher limit would be exceeded.
func NewRealFSWatcher() (*RealFSWatcher, error) {
	if err := acquireWatcher(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		releaseWatcher()
		return nil, err
	}
	return &RealFSWatcher{watcher: w}, nil
}

func (r *RealFSWatcher) Events() <-chan fsnotify.Event {
	return r.watcher.Events
}

func (r *RealFSWatcher) Errors() <-chan error {
	return r.watcher.Errors
}

func (r *RealFSWatcher) Add(path string, recursive bool) error {
	r.mu.Lock()
	r.paths = append(r.paths, watchedPath{path: path, recursive: recursive})
	r.mu.Unlock()

	if recursive {
		return r.addRecursive(path)
	}
	return r.watcher.Add(path)
}

func (r *RealFSWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := r.watcher.Add(path); err != nil {
				log.Printf("Warning: could not watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (r *RealFSWatcher) Rescan() error {
	r.mu.Lock()
	paths := make([]watchedPath, len(r.paths))
	copy(paths, r.paths)
	r.mu.Unlock()

	for _, wp := range paths {
		if wp.recursive {
			if err := r.addRecursive(wp.path); err != nil {
				log.Printf("Warning: rescan failed for %s: %v", wp.path, err)
			}
		}
	}
	return nil
}

func (r *RealFSWatcher) Close() error {
	releaseWatcher()
	return r.watcher.Close()
}

// GitHeadWatcher watches for git HEAD and branch ref changes. Branch
// switches and ref updates (commit, pull, merge, rebase) are change sources
// like any file edit, so they feed the same gate.
type GitHeadWatcher interface {
	Changed() <-chan struct{}  // emits when HEAD or the current branch ref changes
	Start(ctx context.Context) // blocks until context is cancelled
	Close() error
}

// RealGitHeadWatcher implements GitHeadWatcher using fsnotify.
type RealGitHeadWatcher struct {
	workspacePath string
	executor      kexec.Interface
	watcher       *fsnotify.Watcher
	changedCh     chan struct{}
	gitDir        string
}

// NewRealGitHeadWatcher creates a new RealGitHeadWatcher for the given workspace.
// Returns ErrTooManyWatchers if the global watcher limit would be exceeded.
func NewRealGitHeadWatcher(workspacePath string, executor kexec.Interface) (*RealGitHeadWatcher, error) {
	if err := acquireWatcher(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		releaseWatcher()
		return nil, err
	}

	r := &RealGitHeadWatcher{
		workspacePath: workspacePath,
		executor:      executor,
		watcher:       w,
		changedCh:     make(chan struct{}, 1),
	}
	if root := r.findGitRoot(); root != "" {
		r.gitDir = filepath.Join(root, ".git")
	}
	return r, nil
}

func (r *RealGitHeadWatcher) findGitRoot() string {
	cmd := r.executor.Command("git", "rev-parse", "--show-toplevel")
	cmd.SetDir(r.workspacePath)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (r *RealGitHeadWatcher) Changed() <-chan struct{} {
	return r.changedCh
}

// Start begins watching git files. This blocks until the context is cancelled.
func (r *RealGitHeadWatcher) Start(ctx context.Context) {
	if r.gitDir == "" {
		// Not a git repo, just block until context is cancelled
		<-ctx.Done()
		return
	}

	headPath := filepath.Join(r.gitDir, "HEAD")
	if err := r.watcher.Add(headPath); err != nil {
		log.Printf("Warning: could not watch .git/HEAD: %v", err)
	} else {
		log.Printf("Watching %s for branch switches", headPath)
	}

	// Watch current branch ref
	currentBranchRefPath := r.currentBranchRefPath()
	if currentBranchRefPath != "" {
		if err := r.watcher.Add(currentBranchRefPath); err != nil {
			log.Printf("Warning: could not watch branch ref: %v", err)
		} else {
			log.Printf("Watching %s for branch updates", currentBranchRefPath)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}

			if event.Name == headPath {
				log.Println("Git HEAD changed (branch switch)")
				// Update watch for new branch ref
				newBranchRefPath := r.currentBranchRefPath()
				if newBranchRefPath != "" && newBranchRefPath != currentBranchRefPath {
					if err := r.watcher.Add(newBranchRefPath); err == nil {
						log.Printf("Now watching %s for branch updates", newBranchRefPath)
						currentBranchRefPath = newBranchRefPath
					}
				}
				r.notify()
				continue
			}

			// Any file under .git/refs/heads/ is a branch ref update.
			if strings.HasPrefix(event.Name, filepath.Join(r.gitDir, "refs", "heads")) {
				log.Println("Branch ref updated (commit/pull/merge/rebase)")
				r.notify()
				continue
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Git watcher error: %v", err)
		}
	}
}

// notify performs a non-blocking send; one pending change is enough.
func (r *RealGitHeadWatcher) notify() {
	select {
	case r.changedCh <- struct{}{}:
	default:
	}
}

func (r *RealGitHeadWatcher) currentBranchRefPath() string {
	if r.gitDir == "" {
		return ""
	}
	headPath := filepath.Join(r.gitDir, "HEAD")
	content, err := os.ReadFile(headPath)
	if err != nil {
		return ""
	}

	ref := parseGitHeadRef(string(content))
	if ref == "" {
		return ""
	}
	return filepath.Join(r.gitDir, ref)
}

// parseGitHeadRef parses the content of a .git/HEAD file and returns the ref path.
// Returns empty string for detached HEAD (raw commit SHA) or invalid content.
func parseGitHeadRef(content string) string {
	line := strings.TrimSpace(content)
	if !strings.HasPrefix(line, "ref: ") {
		return "" // detached HEAD or invalid
	}
	return strings.TrimPrefix(line, "ref: ")
}

func (r *RealGitHeadWatcher) Close() error {
	releaseWatcher()
	return r.watcher.Close()
}

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	WorkspacePath    string
	RecursiveDirs    []string
	NonRecursiveDirs []string
}

// Watcher turns filesystem and git events into triggers on the gate. It is
// purely a producer: debouncing and batching happen in the gate, and the
// runner decides when to act.
type Watcher struct {
	config         WatcherConfig
	fsWatcher      FSWatcher
	gate           *debounce.Debouncer
	gitHeadWatcher GitHeadWatcher // can be nil if not a git repo
}

// NewWatcher creates a new Watcher feeding gate.
// gitHeadWatcher can be nil if not watching a git repository.
func NewWatcher(config WatcherConfig, gate *debounce.Debouncer, fsWatcher FSWatcher, gitHeadWatcher GitHeadWatcher) *Watcher {
	return &Watcher{
		config:         config,
		fsWatcher:      fsWatcher,
		gate:           gate,
		gitHeadWatcher: gitHeadWatcher,
	}
}

// Start begins watching files. This blocks until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	for _, dir := range w.config.NonRecursiveDirs {
		absDir := filepath.Join(w.config.WorkspacePath, dir)
		if err := w.fsWatcher.Add(absDir, false); err != nil {
			log.Printf("Warning: could not watch %s: %v", absDir, err)
		}
	}

	for _, dir := range w.config.RecursiveDirs {
		absDir := filepath.Join(w.config.WorkspacePath, dir)
		if err := w.fsWatcher.Add(absDir, true); err != nil {
			log.Printf("Warning: could not watch %s recursively: %v", absDir, err)
		}
	}

	// Git channel (may be nil if no git watcher)
	var gitCh <-chan struct{}
	if w.gitHeadWatcher != nil {
		gitCh = w.gitHeadWatcher.Changed()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-gitCh:
			w.gate.Trigger()

		case event, ok := <-w.fsWatcher.Events():
			if !ok {
				return
			}

			// Handle new directories - rescan to pick up new subdirectories
			if event.Has(fsnotify.Create) {
				_ = w.fsWatcher.Rescan()
			}

			w.gate.Trigger()

		case err, ok := <-w.fsWatcher.Errors():
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}
