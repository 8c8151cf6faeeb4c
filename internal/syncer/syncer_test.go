package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/pepperpark/mailboxcopy/internal/engine"
	"github.com/pepperpark/mailboxcopy/internal/imaputil"
	"github.com/pepperpark/mailboxcopy/internal/mapper"
	"github.com/pepperpark/mailboxcopy/internal/report"
)

// fakeServer is an in-memory mailbox shared by any number of fake
// sessions, mimicking one IMAP account.
type fakeServer struct {
	mu      sync.Mutex
	folders map[string][]fakeMsg
	nextUID uint32

	failAppend map[string]bool // message key -> reject append
}

type fakeMsg struct {
	key  string
	uid  uint32
	size uint32
}

func newFakeServer() *fakeServer {
	return &fakeServer{folders: map[string][]fakeMsg{}, failAppend: map[string]bool{}}
}

func (s *fakeServer) addFolder(name string, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.folders[name]
	for _, k := range keys {
		s.nextUID++
		msgs = append(msgs, fakeMsg{key: k, uid: s.nextUID, size: 100})
	}
	s.folders[name] = msgs
}

func (s *fakeServer) addSized(name, key string, size uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUID++
	s.folders[name] = append(s.folders[name], fakeMsg{key: key, uid: s.nextUID, size: size})
}

func (s *fakeServer) keys(folder string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, m := range s.folders[folder] {
		out = append(out, m.key)
	}
	sort.Strings(out)
	return out
}

// session implements Source and Destination over a fakeServer.
type session struct {
	srv *fakeServer
}

func (c *session) ListFolders() ([]string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	out := []string{}
	for name := range c.srv.folders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *session) ListIdentities(folder string) ([]engine.Identity, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	msgs, ok := c.srv.folders[folder]
	if !ok {
		return nil, fmt.Errorf("select %s: no such folder", folder)
	}
	out := make([]engine.Identity, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, engine.Identity{Key: m.key, UID: m.uid, Size: m.size})
	}
	return out, nil
}

func (c *session) FetchMessage(folder string, uid uint32) (*imaputil.Message, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	for _, m := range c.srv.folders[folder] {
		if m.uid == uid {
			return &imaputil.Message{Body: []byte(m.key)}, nil
		}
	}
	return nil, fmt.Errorf("fetch UID %d from %s: not found", uid, folder)
}

func (c *session) EnsureFolder(folder string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.folders[folder]; !ok {
		c.srv.folders[folder] = []fakeMsg{}
	}
	return nil
}

func (c *session) Append(folder string, msg *imaputil.Message) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	key := string(msg.Body)
	if c.srv.failAppend[key] {
		return errors.New("append rejected: quota exceeded")
	}
	if _, ok := c.srv.folders[folder]; !ok {
		return fmt.Errorf("append to %s: no such folder", folder)
	}
	c.srv.nextUID++
	c.srv.folders[folder] = append(c.srv.folders[folder], fakeMsg{key: key, uid: c.srv.nextUID, size: uint32(len(msg.Body))})
	return nil
}

func (c *session) Reconnect() error { return nil }
func (c *session) Logout()          {}

func mustRules(t *testing.T, args ...string) []mapper.Rule {
	t.Helper()
	rules, err := mapper.ParseRules(args)
	if err != nil {
		t.Fatal(err)
	}
	return rules
}

func drain(c *Copier) {
	go func() {
		for range c.Events() {
		}
	}()
}

func runCopy(t *testing.T, src, dst *fakeServer, opts Options) *report.Report {
	t.Helper()
	rep := report.New(opts.DryRun)
	c := New(&session{srv: src}, &session{srv: dst}, rep, opts)
	drain(c)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rep
}

func TestRunMappedScenario(t *testing.T) {
	src := newFakeServer()
	src.addFolder("INBOX", "m1", "m2")
	src.addFolder("INBOX/Work", "m3")
	dst := newFakeServer()

	rep := runCopy(t, src, dst, Options{Rules: mustRules(t, "INBOX/:Archive")})

	if rep.FoldersCreated != 2 {
		t.Fatalf("FoldersCreated = %d, want 2", rep.FoldersCreated)
	}
	if rep.MessagesCopied != 3 {
		t.Fatalf("MessagesCopied = %d, want 3", rep.MessagesCopied)
	}
	if len(rep.Failures) != 0 {
		t.Fatalf("Failures = %v", rep.Failures)
	}
	if got := dst.keys("Archive"); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("Archive = %v", got)
	}
	if got := dst.keys("Archive/Work"); len(got) != 1 || got[0] != "m3" {
		t.Fatalf("Archive/Work = %v", got)
	}
}

func TestRunPartialDestination(t *testing.T) {
	src := newFakeServer()
	src.addFolder("INBOX", "m1", "m2")
	src.addFolder("INBOX/Work", "m3")
	dst := newFakeServer()
	dst.addFolder("Archive", "m1")

	rep := runCopy(t, src, dst, Options{Rules: mustRules(t, "INBOX/:Archive")})

	if rep.FoldersCreated != 1 {
		t.Fatalf("FoldersCreated = %d, want 1 (Archive/Work only)", rep.FoldersCreated)
	}
	if rep.MessagesCopied != 2 {
		t.Fatalf("MessagesCopied = %d, want 2", rep.MessagesCopied)
	}
	if rep.SkippedExisting != 1 {
		t.Fatalf("SkippedExisting = %d, want 1", rep.SkippedExisting)
	}
}

func TestSecondRunIsIdempotent(t *testing.T) {
	src := newFakeServer()
	src.addFolder("INBOX", "m1", "m2")
	src.addFolder("INBOX/Work", "m3")
	dst := newFakeServer()
	opts := Options{Rules: mustRules(t, "INBOX/:Archive")}

	runCopy(t, src, dst, opts)
	rep := runCopy(t, src, dst, opts)

	if rep.FoldersCreated != 0 || rep.MessagesCopied != 0 {
		t.Fatalf("second run mutated: created=%d copied=%d", rep.FoldersCreated, rep.MessagesCopied)
	}
	if rep.SkippedExisting != 3 {
		t.Fatalf("SkippedExisting = %d, want 3", rep.SkippedExisting)
	}
	if !rep.Clean() {
		t.Fatalf("second run not clean: %+v", rep)
	}
}

func TestPerMessageFailureIsolation(t *testing.T) {
	src := newFakeServer()
	src.addFolder("INBOX", "m1", "m2", "m3")
	dst := newFakeServer()
	dst.failAppend["m2"] = true

	rep := runCopy(t, src, dst, Options{})

	if rep.MessagesCopied != 2 {
		t.Fatalf("MessagesCopied = %d, want 2", rep.MessagesCopied)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Key != "m2" {
		t.Fatalf("Failures = %v", rep.Failures)
	}
	if rep.ExitCode() != 1 {
		t.Fatalf("ExitCode = %d, want 1", rep.ExitCode())
	}
	got := dst.keys("INBOX")
	if len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
		t.Fatalf("INBOX = %v", got)
	}
}

func TestExclusion(t *testing.T) {
	src := newFakeServer()
	src.addFolder("INBOX", "m1")
	src.addFolder("Junk", "spam1")
	src.addFolder("Junk/Old", "spam2")
	dst := newFakeServer()

	rep := runCopy(t, src, dst, Options{Excludes: mapper.NewExcludeList([]string{"Junk"})})

	if rep.FoldersExcluded != 2 {
		t.Fatalf("FoldersExcluded = %d, want 2", rep.FoldersExcluded)
	}
	if rep.MessagesCopied != 1 {
		t.Fatalf("MessagesCopied = %d, want 1", rep.MessagesCopied)
	}
	if _, ok := dst.folders["Junk"]; ok {
		t.Fatal("excluded folder was created on destination")
	}
}

func TestSizeLimit(t *testing.T) {
	src := newFakeServer()
	src.addFolder("INBOX", "small")
	src.addSized("INBOX", "huge", 10_000)
	dst := newFakeServer()

	rep := runCopy(t, src, dst, Options{MaxSize: 1024})

	if rep.MessagesCopied != 1 {
		t.Fatalf("MessagesCopied = %d, want 1", rep.MessagesCopied)
	}
	if rep.SkippedOversize != 1 {
		t.Fatalf("SkippedOversize = %d, want 1", rep.SkippedOversize)
	}
	if got := dst.keys("INBOX"); len(got) != 1 || got[0] != "small" {
		t.Fatalf("INBOX = %v", got)
	}
}

func TestDryRunEquivalence(t *testing.T) {
	build := func() (*fakeServer, *fakeServer) {
		src := newFakeServer()
		src.addFolder("INBOX", "m1", "m2")
		src.addFolder("INBOX/Work", "m3")
		dst := newFakeServer()
		dst.addFolder("Archive", "m1")
		return src, dst
	}

	src, dst := build()
	dry := runCopy(t, src, dst, Options{DryRun: true, Rules: mustRules(t, "INBOX/:Archive")})
	if got := dst.keys("Archive"); len(got) != 1 {
		t.Fatalf("dry run mutated destination: %v", got)
	}
	if _, ok := dst.folders["Archive/Work"]; ok {
		t.Fatal("dry run created a folder")
	}

	src, dst = build()
	real := runCopy(t, src, dst, Options{Rules: mustRules(t, "INBOX/:Archive")})

	if dry.FoldersCreated != real.FoldersCreated || dry.MessagesCopied != real.MessagesCopied ||
		dry.SkippedExisting != real.SkippedExisting || dry.SkippedOversize != real.SkippedOversize {
		t.Fatalf("dry run counts differ: dry=%+v real=%+v", dry, real)
	}
}

func TestConcurrentAppendWorkers(t *testing.T) {
	src := newFakeServer()
	keys := make([]string, 40)
	for i := range keys {
		keys[i] = fmt.Sprintf("<m%d@example.org>", i)
	}
	src.addFolder("INBOX", keys...)
	dst := newFakeServer()

	rep := runCopy(t, src, dst, Options{
		Concurrency: 4,
		DialDest: func() (Destination, error) {
			return &session{srv: dst}, nil
		},
	})

	if rep.MessagesCopied != 40 {
		t.Fatalf("MessagesCopied = %d, want 40", rep.MessagesCopied)
	}
	if got := dst.keys("INBOX"); len(got) != 40 {
		t.Fatalf("INBOX has %d messages, want 40", len(got))
	}
}
