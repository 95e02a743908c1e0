package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Source provides progress snapshots to a Display
type Source interface {
	Progress(ctx context.Context) (State, error)
}

// Display renders the polled progress as a terminal progress bar
type Display struct {
	source   Source
	interval time.Duration
	out      io.Writer
	bar      *progressbar.ProgressBar
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewDisplay creates a new progress display
func NewDisplay(source Source, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stdout
	}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("Migrating"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &Display{
		source:   source,
		interval: interval,
		out:      out,
		bar:      bar,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start(ctx context.Context) {
	go d.displayLoop(ctx)
}

// Stop stops the progress display and prints the final summary
func (d *Display) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}

func (d *Display) displayLoop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay(ctx)
		case <-ctx.Done():
			d.finalDisplay(context.Background())
			return
		case <-d.stopCh:
			d.finalDisplay(ctx)
			return
		}
	}
}

func (d *Display) updateDisplay(ctx context.Context) {
	state, err := d.source.Progress(ctx)
	if err != nil {
		return
	}
	d.bar.Describe(d.describe(state))
	_ = d.bar.Set(state.Percentage)
}

func (d *Display) finalDisplay(ctx context.Context) {
	state, err := d.source.Progress(ctx)
	if err != nil {
		return
	}
	_ = d.bar.Set(state.Percentage)
	if state.Status == StatusCompleted {
		_ = d.bar.Finish()
	}
	fmt.Fprintln(d.out)
	for _, line := range Summary(state, d.now()) {
		fmt.Fprintln(d.out, line)
	}
}

func (d *Display) describe(state State) string {
	desc := state.CurrentPhaseName
	if desc == "" {
		desc = state.CurrentStep
	}
	if state.ItemsTotal > 0 {
		desc = fmt.Sprintf("%s %s/%s", desc, humanize.Comma(int64(state.ItemsProcessed)), humanize.Comma(int64(state.ItemsTotal)))
	}
	if eta, ok := EstimateRemaining(state, d.now()); ok {
		desc = fmt.Sprintf("%s (ETA %s)", desc, FormatDuration(eta))
	}
	return desc
}

// Summary renders a state as human readable lines
func Summary(state State, now time.Time) []string {
	lines := []string{
		fmt.Sprintf("Status:     %s", state.Status),
		fmt.Sprintf("Step:       %s", stepName(state)),
		fmt.Sprintf("Progress:   %d%%", state.Percentage),
	}
	if state.Message != "" {
		lines = append(lines, fmt.Sprintf("Message:    %s", state.Message))
	}
	if state.ItemsTotal > 0 {
		lines = append(lines, fmt.Sprintf("Items:      %s/%s",
			humanize.Comma(int64(state.ItemsProcessed)), humanize.Comma(int64(state.ItemsTotal))))
	}
	if !state.StartedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("Started:    %s", humanize.RelTime(state.StartedAt, now, "ago", "from now")))
	}
	if !state.LastUpdated.IsZero() {
		lines = append(lines, fmt.Sprintf("Updated:    %s", humanize.RelTime(state.LastUpdated, now, "ago", "from now")))
	}
	if eta, ok := EstimateRemaining(state, now); ok {
		lines = append(lines, fmt.Sprintf("Remaining:  %s", FormatDuration(eta)))
	}
	if state.IsStale {
		lines = append(lines, "No progress reported recently; the run may have been abandoned.")
	}
	return lines
}

func stepName(state State) string {
	if state.CurrentPhaseName != "" {
		return state.CurrentPhaseName
	}
	if state.CurrentStep == "" {
		return "-"
	}
	return state.CurrentStep
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// IsTerminalSupported checks if the terminal supports progress display
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
