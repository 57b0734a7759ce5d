package batch

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Reporter receives batch progress. Updates arrive from multiple workers,
// so implementations must be safe for concurrent calls.
type Reporter interface {
	Start(total int)
	Update(current int, recordID string)
	Finish()
}

// NewReporter picks a terminal progress bar locally and a plain line
// reporter under CI.
func NewReporter() Reporter {
	if os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "" {
		return &LineReporter{}
	}
	return &TerminalReporter{}
}

// TerminalReporter renders an interactive progress bar.
type TerminalReporter struct {
	bar *progressbar.ProgressBar
}

func (r *TerminalReporter) Start(total int) {
	r.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Validating records"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (r *TerminalReporter) Update(current int, recordID string) {
	if r.bar != nil {
		_ = r.bar.Set(current)
	}
}

func (r *TerminalReporter) Finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
	}
}

// LineReporter writes occasional plain lines for non-interactive runs.
type LineReporter struct {
	total int
}

func (r *LineReporter) Start(total int) {
	r.total = total
	fmt.Fprintf(os.Stderr, "Validating %d records\n", total)
}

func (r *LineReporter) Update(current int, recordID string) {
	if r.total >= 10 && current%(r.total/10) == 0 {
		fmt.Fprintf(os.Stderr, "[%d/%d] validated\n", current, r.total)
	}
}

func (r *LineReporter) Finish() {
	fmt.Fprintln(os.Stderr, "Validation complete")
}

// NopReporter discards all progress.
type NopReporter struct{}

func (NopReporter) Start(total int) {}

func (NopReporter) Update(current int, recordID string) {}

func (NopReporter) Finish() {}
