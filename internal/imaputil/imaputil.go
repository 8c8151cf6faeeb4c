// Package imaputil wraps the go-imap client into the narrow surface the
// copy engine needs: folder listing, identity listing, message fetch,
// folder creation and append.
package imaputil

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/pepperpark/mailboxcopy/internal/account"
	"github.com/pepperpark/mailboxcopy/internal/engine"
)

func init() {
	// Servers hand back headers in charsets go-message does not know out
	// of the box; register the common ones so identity parsing keeps
	// working.
	for _, name := range []string{"ascii", "us-ascii", "ASCII", "US-ASCII"} {
		charset.RegisterEncoding(name, unicode.UTF8)
	}
	for _, name := range []string{"windows-1252", "WINDOWS-1252", "cp1252", "CP1252"} {
		charset.RegisterEncoding(name, charmap.Windows1252)
	}
	for _, name := range []string{"iso-8859-1", "ISO-8859-1", "latin1", "LATIN1"} {
		charset.RegisterEncoding(name, charmap.ISO8859_1)
	}
}

// listBatchSize bounds how many headers one FETCH asks for.
const listBatchSize = 1000

// Session is one authenticated IMAP connection. A session is not safe for
// concurrent use; dial one per worker via Clone.
type Session struct {
	acct    account.Account
	timeout time.Duration

	c         *client.Client
	delimiter string
	selected  string
}

// Dial connects and logs into the account's server.
func Dial(acct account.Account, timeout time.Duration) (*Session, error) {
	s := &Session{acct: acct, timeout: timeout}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect() error {
	addr := s.acct.Addr()
	tlsConfig := &tls.Config{ServerName: s.acct.Host, InsecureSkipVerify: s.acct.Insecure}

	var c *client.Client
	var err error
	switch s.acct.Security {
	case account.SecurityTLS:
		c, err = client.DialTLS(addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("connect %s: %w", addr, err)
		}
	case account.SecurityStartTLS:
		c, err = client.Dial(addr)
		if err != nil {
			return fmt.Errorf("connect %s: %w", addr, err)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return fmt.Errorf("starttls %s: %w", addr, err)
		}
	default:
		c, err = client.Dial(addr)
		if err != nil {
			return fmt.Errorf("connect %s: %w", addr, err)
		}
	}
	if s.timeout > 0 {
		c.Timeout = s.timeout
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("MAILBOXCOPY_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	if err := c.Login(s.acct.Username, s.acct.Password); err != nil {
		_ = c.Logout()
		return fmt.Errorf("login %s: %w", s.acct.Redacted(), err)
	}
	s.c = c
	s.selected = ""
	return nil
}

// Reconnect drops the current connection and dials once more. The caller
// decides how many reconnects one run is allowed.
func (s *Session) Reconnect() error {
	if s.c != nil {
		_ = s.c.Logout()
		s.c = nil
	}
	return s.connect()
}

// Clone dials a fresh session against the same account, for use by a
// transfer worker that needs its own connection. The folder delimiter
// learned on this session carries over, so workers translate paths the
// same way without listing folders themselves.
func (s *Session) Clone() (*Session, error) {
	n := s.clone()
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Session) clone() *Session {
	return &Session{acct: s.acct, timeout: s.timeout, delimiter: s.delimiter}
}

// Logout closes the session.
func (s *Session) Logout() {
	if s.c != nil {
		_ = s.c.Logout()
		s.c = nil
	}
}

// toServer converts a canonical /-separated path to the server's folder
// naming, and fromServer converts back.
func (s *Session) toServer(path string) string {
	if s.delimiter == "" || s.delimiter == "/" {
		return path
	}
	return strings.ReplaceAll(path, "/", s.delimiter)
}

func (s *Session) fromServer(name string) string {
	if s.delimiter == "" || s.delimiter == "/" {
		return name
	}
	return strings.ReplaceAll(name, s.delimiter, "/")
}

// ListFolders returns all selectable folder paths in canonical form.
// INBOX is always part of the listing.
func (s *Session) ListFolders() ([]string, error) {
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.c.List("", "*", ch)
	}()
	folders := []string{}
	hasInbox := false
	for m := range ch {
		if m == nil {
			continue
		}
		if m.Delimiter != "" {
			s.delimiter = m.Delimiter
		}
		noselect := false
		for _, attr := range m.Attributes {
			if strings.EqualFold(attr, imap.NoSelectAttr) {
				noselect = true
			}
		}
		if noselect {
			continue
		}
		name := s.fromServer(m.Name)
		folders = append(folders, name)
		if strings.EqualFold(name, "INBOX") {
			hasInbox = true
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	if !hasInbox {
		folders = append(folders, "INBOX")
	}
	return folders, nil
}

func (s *Session) selectFolder(path string, readOnly bool) (*imap.MailboxStatus, error) {
	status, err := s.c.Select(s.toServer(path), readOnly)
	if err != nil {
		s.selected = ""
		return nil, err
	}
	s.selected = path
	return status, nil
}

// headerSection asks for just the Message-ID header, without marking
// messages seen.
func headerSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"Message-Id"},
		},
		Peek: true,
	}
}

// ListIdentities lists the stable identity of every message in the folder.
func (s *Session) ListIdentities(path string) ([]engine.Identity, error) {
	status, err := s.selectFolder(path, true)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", path, err)
	}
	if status.Messages == 0 {
		return nil, nil
	}

	section := headerSection()
	items := []imap.FetchItem{imap.FetchUid, imap.FetchRFC822Size, imap.FetchInternalDate, section.FetchItem()}

	out := make([]engine.Identity, 0, status.Messages)
	for start := uint32(1); start <= status.Messages; start += listBatchSize {
		end := start + listBatchSize - 1
		if end > status.Messages {
			end = status.Messages
		}
		seq := new(imap.SeqSet)
		seq.AddRange(start, end)

		msgs := make(chan *imap.Message, 32)
		done := make(chan error, 1)
		go func() {
			done <- s.c.Fetch(seq, items, msgs)
		}()
		for msg := range msgs {
			if msg == nil {
				continue
			}
			out = append(out, engine.Identity{
				Key:  engine.MakeKey(messageID(msg.GetBody(section)), msg.InternalDate, msg.Size),
				UID:  msg.Uid,
				Size: msg.Size,
				Date: msg.InternalDate,
			})
		}
		if err := <-done; err != nil {
			return nil, fmt.Errorf("fetch headers %s: %w", path, err)
		}
	}
	return out, nil
}

// messageID extracts the Message-ID header from a header literal. An empty
// result makes the caller fall back to the date/size identity.
func messageID(lit imap.Literal) string {
	if lit == nil {
		return ""
	}
	entity, err := message.Read(lit)
	if entity == nil && err != nil {
		return ""
	}
	return strings.TrimSpace(entity.Header.Get("Message-Id"))
}

// Message is one fully fetched message ready to append elsewhere.
type Message struct {
	Flags []string
	Date  time.Time
	Body  []byte
}

// FetchMessage downloads the raw message with the given UID.
func (s *Session) FetchMessage(path string, uid uint32) (*Message, error) {
	if s.selected != path {
		if _, err := s.selectFolder(path, true); err != nil {
			return nil, fmt.Errorf("select %s: %w", path, err)
		}
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}
	seq := new(imap.SeqSet)
	seq.AddNum(uid)

	msgs := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seq, items, msgs)
	}()
	var fetched *imap.Message
	for msg := range msgs {
		if msg != nil && fetched == nil {
			fetched = msg
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch UID %d from %s: %w", uid, path, err)
	}
	if fetched == nil {
		return nil, fmt.Errorf("fetch UID %d from %s: not found", uid, path)
	}
	lit := fetched.GetBody(section)
	if lit == nil {
		return nil, fmt.Errorf("fetch UID %d from %s: no body", uid, path)
	}
	body, err := io.ReadAll(lit)
	if err != nil {
		return nil, fmt.Errorf("read UID %d from %s: %w", uid, path, err)
	}

	flags := make([]string, 0, len(fetched.Flags))
	for _, f := range fetched.Flags {
		if f == imap.RecentFlag {
			continue
		}
		flags = append(flags, f)
	}
	date := fetched.InternalDate
	if date.IsZero() {
		date = time.Now()
	}
	return &Message{Flags: flags, Date: date, Body: body}, nil
}

// EnsureFolder creates the folder when it does not exist. Detecting it
// present, even if another run created it meanwhile, is success.
func (s *Session) EnsureFolder(path string) error {
	if _, err := s.selectFolder(path, true); err == nil {
		return nil
	}
	if err := s.c.Create(s.toServer(path)); err != nil {
		if _, selErr := s.selectFolder(path, true); selErr == nil {
			return nil
		}
		return fmt.Errorf("create folder %s: %w", path, err)
	}
	return nil
}

// Append stores a message into the folder.
func (s *Session) Append(path string, msg *Message) error {
	if err := s.c.Append(s.toServer(path), msg.Flags, msg.Date, bytes.NewReader(msg.Body)); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}
