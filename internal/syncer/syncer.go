// Package syncer drives one copy run: it enumerates folders, asks the
// engine what is missing on the destination, and applies the resulting
// operations with per-message failure isolation.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pepperpark/mailboxcopy/internal/engine"
	"github.com/pepperpark/mailboxcopy/internal/imaputil"
	"github.com/pepperpark/mailboxcopy/internal/mapper"
	"github.com/pepperpark/mailboxcopy/internal/report"
)

// Source is the read side of a copy run.
type Source interface {
	ListFolders() ([]string, error)
	ListIdentities(folder string) ([]engine.Identity, error)
	FetchMessage(folder string, uid uint32) (*imaputil.Message, error)
	Reconnect() error
	Logout()
}

// Destination is the write side of a copy run.
type Destination interface {
	ListFolders() ([]string, error)
	ListIdentities(folder string) ([]engine.Identity, error)
	EnsureFolder(folder string) error
	Append(folder string, msg *imaputil.Message) error
	Reconnect() error
	Logout()
}

// ErrAborted marks a run that terminated before processing every folder,
// after the per-account reconnect budget was spent.
var ErrAborted = errors.New("run aborted")

const appendAttempts = 3

// Options configures a Copier.
type Options struct {
	DryRun      bool
	MaxSize     int64
	Concurrency int
	Rules       []mapper.Rule
	Excludes    mapper.ExcludeList
	// DialDest opens an extra destination connection for an append
	// worker. Leave nil to run appends on the main destination session.
	DialDest func() (Destination, error)
}

// Copier applies the computed operation set for one source/destination
// pair. Folders are processed sequentially; appends within a folder run on
// a small pool of dedicated connections.
type Copier struct {
	src    Source
	dst    Destination
	opts   Options
	rep    *report.Report
	events chan Event

	workers []Destination

	srcReconnected bool
	dstReconnected bool
}

// New returns a Copier writing its outcome into rep.
func New(src Source, dst Destination, rep *report.Report, opts Options) *Copier {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Concurrency > 8 {
		opts.Concurrency = 8
	}
	return &Copier{src: src, dst: dst, opts: opts, rep: rep, events: make(chan Event, 128)}
}

// Events returns a read-only channel of progress events.
func (c *Copier) Events() <-chan Event { return c.events }

func (c *Copier) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// drop if slow consumer
	}
}

// Run executes the whole pipeline. A non-nil error means the run ended
// early; per-message failures are in the report, not here.
func (c *Copier) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.closeWorkers()

	// On cancel, force-close IMAP connections to unblock I/O
	stop := context.AfterFunc(ctx, func() {
		c.src.Logout()
		c.dst.Logout()
	})
	defer stop()

	err := c.run(ctx)
	if err != nil {
		c.rep.MarkIncomplete()
	}
	return err
}

func (c *Copier) run(ctx context.Context) error {
	var folders []string
	err := c.withSource(func() error {
		var err error
		folders, err = c.src.ListFolders()
		return err
	})
	if err != nil {
		return err
	}

	pairs, excluded := mapper.Resolve(folders, c.opts.Rules, c.opts.Excludes)
	c.rep.AddFoldersExcluded(len(excluded))
	for _, f := range excluded {
		log.Debugf("skipped source folder %s", f)
	}

	var existing []string
	err = c.withDestination(func() error {
		var err error
		existing, err = c.dst.ListFolders()
		return err
	})
	if err != nil {
		return err
	}

	failedSubtrees := c.createFolders(ctx, engine.PlanFolders(pairs, existing))

	existingSet := make(map[string]bool, len(existing))
	for _, f := range existing {
		existingSet[f] = true
	}

	for _, pair := range pairs {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
		if under(pair.Dest, failedSubtrees) {
			log.Debugf("skipping %s: destination folder unavailable", pair.Source)
			continue
		}
		if err := c.copyFolder(ctx, pair, existingSet[pair.Dest]); err != nil {
			return err
		}
	}
	return nil
}

// createFolders applies the folder-creation operations and returns the
// destination paths whose creation failed; copies into those subtrees are
// skipped but siblings proceed.
func (c *Copier) createFolders(ctx context.Context, creates []string) map[string]bool {
	failed := make(map[string]bool)
	for _, path := range creates {
		if ctx.Err() != nil {
			return failed
		}
		if under(path, failed) {
			continue
		}
		if c.opts.DryRun {
			log.Infof("[dry-run] create folder %s", path)
			c.rep.AddFolderCreated()
			continue
		}
		path := path
		err := c.withDestination(func() error {
			return c.dst.EnsureFolder(path)
		})
		if err != nil {
			log.Warnf("create folder %s: %v", path, err)
			c.rep.AddFailure(path, "", err)
			failed[path] = true
			continue
		}
		c.rep.AddFolderCreated()
	}
	return failed
}

func (c *Copier) copyFolder(ctx context.Context, pair mapper.FolderPair, destExisted bool) error {
	log.Debugf("processing source folder %s", pair.Source)
	c.emit(Event{Type: EventFolderStart, Folder: pair.Source})

	var srcIDs []engine.Identity
	err := c.withSource(func() error {
		var err error
		srcIDs, err = c.src.ListIdentities(pair.Source)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAborted) {
			return err
		}
		c.rep.AddFailure(pair.Source, "", err)
		c.emit(Event{Type: EventFolderDone, Folder: pair.Source})
		return nil
	}

	var dstIDs []engine.Identity
	// In a dry run a freshly "created" folder has nothing to list.
	if destExisted || !c.opts.DryRun {
		err = c.withDestination(func() error {
			var err error
			dstIDs, err = c.dst.ListIdentities(pair.Dest)
			return err
		})
		if err != nil {
			if errors.Is(err, ErrAborted) {
				return err
			}
			c.rep.AddFailure(pair.Dest, "", err)
			c.emit(Event{Type: EventFolderDone, Folder: pair.Source})
			return nil
		}
	}

	diff := engine.DiffFolder(srcIDs, dstIDs, c.opts.MaxSize)
	c.rep.AddSkippedExisting(diff.SkippedExisting)
	c.rep.AddSkippedOversize(diff.SkippedOversize)
	if diff.SkippedExisting > 0 {
		log.Debugf("%s: %d messages already present", pair.Source, diff.SkippedExisting)
	}

	total := len(diff.ToCopy)
	c.emit(Event{Type: EventFolderProgress, Folder: pair.Source, Total: total})
	if total == 0 {
		log.Debugf("%s: nothing to copy", pair.Source)
		c.emit(Event{Type: EventFolderDone, Folder: pair.Source})
		return nil
	}

	if c.opts.DryRun {
		var bytes uint64
		for i, id := range diff.ToCopy {
			c.rep.AddCopied(uint64(id.Size))
			bytes += uint64(id.Size)
			c.emit(Event{Type: EventFolderProgress, Folder: pair.Source, Total: total, Done: i + 1})
		}
		log.Infof("[dry-run] would copy %d messages (%s) from %s to %s",
			total, humanize.IBytes(bytes), pair.Source, pair.Dest)
		c.emit(Event{Type: EventFolderDone, Folder: pair.Source})
		return nil
	}

	err = c.transfer(ctx, pair, diff.ToCopy, total)
	c.emit(Event{Type: EventFolderDone, Folder: pair.Source})
	return err
}

// transfer fetches messages sequentially from the source session while the
// append workers store them on their own destination connections.
func (c *Copier) transfer(ctx context.Context, pair mapper.FolderPair, toCopy []engine.Identity, total int) error {
	type job struct {
		id  engine.Identity
		msg *imaputil.Message
	}

	var mu sync.Mutex
	done := 0
	copiedBytes := uint64(0)

	jobs := make(chan job)
	var g errgroup.Group
	for _, w := range c.appendWorkers() {
		w := w
		g.Go(func() error {
			for j := range jobs {
				if err := c.appendWithRetry(w, pair.Dest, j.msg); err != nil {
					log.Warnf("append %s to %s: %v", j.id.Key, pair.Dest, err)
					c.rep.AddFailure(pair.Dest, j.id.Key, err)
				} else {
					c.rep.AddCopied(uint64(j.id.Size))
					mu.Lock()
					done++
					copiedBytes += uint64(j.id.Size)
					d := done
					mu.Unlock()
					c.emit(Event{Type: EventFolderProgress, Folder: pair.Source, Total: total, Done: d})
				}
			}
			return nil
		})
	}

	var loopErr error
	for _, id := range toCopy {
		if ctx.Err() != nil {
			loopErr = fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			break
		}
		id := id
		var msg *imaputil.Message
		err := c.withSource(func() error {
			var err error
			msg, err = c.src.FetchMessage(pair.Source, id.UID)
			return err
		})
		if err != nil {
			if errors.Is(err, ErrAborted) {
				loopErr = err
				break
			}
			log.Warnf("fetch %s from %s: %v", id.Key, pair.Source, err)
			c.rep.AddFailure(pair.Source, id.Key, err)
			continue
		}
		log.Debugf("read %s (%s) from %s", id.Key, humanize.IBytes(uint64(id.Size)), pair.Source)
		jobs <- job{id: id, msg: msg}
	}
	close(jobs)
	_ = g.Wait()

	if done > 0 {
		log.Infof("copied %d messages (%s) from %s to %s",
			done, humanize.IBytes(copiedBytes), pair.Source, pair.Dest)
	}
	return loopErr
}

// appendWorkers returns the pool of destination connections used for
// appends, dialing extra ones on first use. The main destination session
// always serves as the first worker; it is idle during transfers.
func (c *Copier) appendWorkers() []Destination {
	if c.workers != nil {
		return c.workers
	}
	c.workers = []Destination{c.dst}
	if c.opts.DialDest == nil {
		return c.workers
	}
	for len(c.workers) < c.opts.Concurrency {
		w, err := c.opts.DialDest()
		if err != nil {
			log.Warnf("extra destination connection: %v", err)
			break
		}
		c.workers = append(c.workers, w)
	}
	return c.workers
}

func (c *Copier) closeWorkers() {
	for _, w := range c.workers {
		if w != c.dst {
			w.Logout()
		}
	}
	c.workers = nil
}

func (c *Copier) appendWithRetry(w Destination, folder string, msg *imaputil.Message) error {
	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * time.Second)
			if rerr := w.Reconnect(); rerr != nil {
				err = rerr
				continue
			}
		}
		err = w.Append(folder, msg)
		if err == nil {
			return nil
		}
		if !isConnError(err) {
			return err
		}
	}
	return err
}

// withSource runs op on the source session, spending the account's single
// reconnect-and-resume attempt on a connection-level failure.
func (c *Copier) withSource(op func() error) error {
	err := op()
	if err == nil || !isConnError(err) {
		return err
	}
	if c.srcReconnected {
		return fmt.Errorf("%w: source connection lost: %v", ErrAborted, err)
	}
	c.srcReconnected = true
	log.Warnf("source connection lost, reconnecting: %v", err)
	if rerr := c.src.Reconnect(); rerr != nil {
		return fmt.Errorf("%w: source reconnect failed: %v", ErrAborted, rerr)
	}
	return op()
}

func (c *Copier) withDestination(op func() error) error {
	err := op()
	if err == nil || !isConnError(err) {
		return err
	}
	if c.dstReconnected {
		return fmt.Errorf("%w: destination connection lost: %v", ErrAborted, err)
	}
	c.dstReconnected = true
	log.Warnf("destination connection lost, reconnecting: %v", err)
	if rerr := c.dst.Reconnect(); rerr != nil {
		return fmt.Errorf("%w: destination reconnect failed: %v", ErrAborted, rerr)
	}
	return op()
}

// under reports whether path equals or descends from any key in set.
func under(path string, set map[string]bool) bool {
	for p := range set {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection") ||
		strings.Contains(s, "not logged in") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "use of closed") ||
		strings.Contains(s, "unexpected eof") ||
		strings.Contains(s, "i/o deadline")
}
