// Command camerapipelined runs the multi-camera ingestion core as a
// standalone headless daemon, reporting per-camera status on a fixed
// interval instead of rendering frames to a window.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	camerapipeline "github.com/leandrozanatta/camera-pipeline-go"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "camerapipelined",
		Short: "Multi-camera video ingestion daemon",
		Long:  "Connects to one or more camera sources, decodes and paces frames, and reports per-camera status.",
	}
	root.AddCommand(newRunCmd())
	return root
}

type runOptions struct {
	cameraURLs   []string
	targetFPS    int
	logLevel     string
	logFile      string
	logMaxSizeMB int
	statusEvery  time.Duration
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{targetFPS: 10, statusEvery: 60 * time.Second}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start ingesting from one or more camera URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.cameraURLs, "camera", nil, "camera source URL (repeatable)")
	cmd.Flags().IntVar(&opts.targetFPS, "target-fps", opts.targetFPS, "target delivery frame rate per camera")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override CAMPIPE_LOG_LEVEL")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "override CAMPIPE_LOG_FILE")
	cmd.Flags().IntVar(&opts.logMaxSizeMB, "log-max-size-mb", 0, "override CAMPIPE_LOG_MAX_SIZE_MB")
	cmd.Flags().DurationVar(&opts.statusEvery, "status-interval", opts.statusEvery, "interval between status summary log lines")

	return cmd
}

func runDaemon(opts *runOptions) error {
	cfg, err := camerapipeline.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logFile := cfg.LogFile
	if opts.logFile != "" {
		logFile = opts.logFile
	}
	maxSizeMB := cfg.LogMaxSizeMB
	if opts.logMaxSizeMB > 0 {
		maxSizeMB = opts.logMaxSizeMB
	}

	if logFile != "" {
		fileLogger, err := camerapipeline.NewFileLogger(logFile, camerapipeline.ParseLevel(level), maxSizeMB)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		camerapipeline.SetLogger(fileLogger)
	}

	if len(opts.cameraURLs) == 0 {
		return fmt.Errorf("at least one --camera URL is required")
	}

	sup := camerapipeline.NewSupervisor()
	if err := sup.Initialize(cfg); err != nil {
		return fmt.Errorf("initializing supervisor: %w", err)
	}

	tracker := newStatusTracker(sup)

	for i, url := range opts.cameraURLs {
		id := i + 1
		err := sup.AddCamera(
			id,
			url,
			tracker.onStatus,
			tracker.onFrame,
			nil, nil,
			opts.targetFPS,
		)
		if err != nil {
			return fmt.Errorf("adding camera %d (%s): %w", id, url, err)
		}
	}

	stopStatus := make(chan struct{})
	go statusReportLoop(tracker, opts.statusEvery, stopStatus)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	close(stopStatus)

	return sup.Shutdown()
}

// statusTracker accumulates the latest known state per camera and a
// running frame count, driving the periodic status summary line. Grounded
// on the gtfodev-camsRelay multi-camera example's monitorStatus pattern,
// adapted from its polling GetStreamStatus() call to a push-based
// StatusCallback/FrameCallback pair.
type statusTracker struct {
	mu         sync.Mutex
	sup        *camerapipeline.Supervisor
	states     map[int]camerapipeline.CameraState
	messages   map[int]string
	frameCount map[int]uint64
}

func newStatusTracker(sup *camerapipeline.Supervisor) *statusTracker {
	return &statusTracker{
		sup:        sup,
		states:     make(map[int]camerapipeline.CameraState),
		messages:   make(map[int]string),
		frameCount: make(map[int]uint64),
	}
}

func (t *statusTracker) onStatus(cameraID int, state camerapipeline.CameraState, message string, _ any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[cameraID] = state
	t.messages[cameraID] = message
}

func (t *statusTracker) onFrame(cameraID int, carrier *camerapipeline.FrameCarrier, _ any) {
	t.mu.Lock()
	t.frameCount[cameraID]++
	t.mu.Unlock()
	// This daemon only reports ingestion health; it has no analytics
	// consumer of its own, so the carrier is returned immediately.
	t.sup.ReturnFrame(carrier)
}

func statusReportLoop(t *statusTracker, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			lines := make([]string, 0, len(t.states))
			for id, state := range t.states {
				lines = append(lines, fmt.Sprintf("camera=%d state=%s frames=%d msg=%q",
					id, state, t.frameCount[id], t.messages[id]))
			}
			t.mu.Unlock()
			fmt.Fprintln(os.Stdout, "status report: "+strconv.Itoa(len(lines))+" camera(s)")
			for _, l := range lines {
				fmt.Fprintln(os.Stdout, "  "+l)
			}
		}
	}
}
