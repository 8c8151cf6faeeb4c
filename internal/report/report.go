// Package report accumulates the outcome of one copy run. The finished
// report is the single source of truth printed at run end and decides the
// process exit status.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// Failure records one message or folder that could not be processed.
type Failure struct {
	Folder string `json:"folder"`
	Key    string `json:"key,omitempty"`
	Cause  string `json:"cause"`
}

// Report aggregates counters over a run. Safe for concurrent use by the
// transfer workers.
type Report struct {
	mu sync.Mutex

	DryRun     bool `json:"dry_run"`
	Incomplete bool `json:"incomplete"`

	FoldersCreated  int       `json:"folders_created"`
	FoldersExcluded int       `json:"folders_excluded"`
	MessagesCopied  int       `json:"messages_copied"`
	SkippedExisting int       `json:"skipped_existing"`
	SkippedOversize int       `json:"skipped_oversize"`
	BytesCopied     uint64    `json:"bytes_copied"`
	Failures        []Failure `json:"failures,omitempty"`
}

// New returns an empty report for a run.
func New(dryRun bool) *Report {
	return &Report{DryRun: dryRun}
}

func (r *Report) AddFolderCreated() {
	r.mu.Lock()
	r.FoldersCreated++
	r.mu.Unlock()
}

func (r *Report) AddFoldersExcluded(n int) {
	r.mu.Lock()
	r.FoldersExcluded += n
	r.mu.Unlock()
}

func (r *Report) AddCopied(size uint64) {
	r.mu.Lock()
	r.MessagesCopied++
	r.BytesCopied += size
	r.mu.Unlock()
}

func (r *Report) AddSkippedExisting(n int) {
	r.mu.Lock()
	r.SkippedExisting += n
	r.mu.Unlock()
}

func (r *Report) AddSkippedOversize(n int) {
	r.mu.Lock()
	r.SkippedOversize += n
	r.mu.Unlock()
}

func (r *Report) AddFailure(folder, key string, err error) {
	r.mu.Lock()
	r.Failures = append(r.Failures, Failure{Folder: folder, Key: key, Cause: err.Error()})
	r.mu.Unlock()
}

// MarkIncomplete flags a run that terminated before processing everything.
func (r *Report) MarkIncomplete() {
	r.mu.Lock()
	r.Incomplete = true
	r.mu.Unlock()
}

// Clean reports whether the run finished with no failures.
func (r *Report) Clean() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.Incomplete && len(r.Failures) == 0
}

// ExitCode maps the report onto the process exit status.
func (r *Report) ExitCode() int {
	if r.Clean() {
		return 0
	}
	return 1
}

// Render formats the report for the terminal. Dry runs are labeled so
// their output cannot be mistaken for a real run.
func (r *Report) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	switch {
	case r.DryRun:
		b.WriteString("Dry run complete (no changes were made):\n")
	case r.Incomplete:
		b.WriteString("Run INCOMPLETE (terminated early):\n")
	default:
		b.WriteString("Run complete:\n")
	}
	fmt.Fprintf(&b, "  folders created:  %d\n", r.FoldersCreated)
	fmt.Fprintf(&b, "  folders excluded: %d\n", r.FoldersExcluded)
	fmt.Fprintf(&b, "  messages copied:  %d (%s)\n", r.MessagesCopied, humanize.IBytes(r.BytesCopied))
	fmt.Fprintf(&b, "  already present:  %d\n", r.SkippedExisting)
	fmt.Fprintf(&b, "  skipped oversize: %d\n", r.SkippedOversize)
	fmt.Fprintf(&b, "  failures:         %d\n", len(r.Failures))
	for _, f := range r.Failures {
		if f.Key != "" {
			fmt.Fprintf(&b, "   - %s %s: %s\n", f.Folder, f.Key, f.Cause)
		} else {
			fmt.Fprintf(&b, "   - %s: %s\n", f.Folder, f.Cause)
		}
	}
	return b.String()
}

// Save writes the report as JSON, for machine consumption.
func (r *Report) Save(path string) error {
	if path == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
