// Package engine computes the operations needed to bring a destination
// mailbox in line with a source mailbox.
//
// The engine is pure: it works on folder and message listings, performs no
// I/O, and given identical inputs always produces the same ordered output.
// Running it against an already synchronized pair yields an empty plan,
// which is what makes repeated runs idempotent.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pepperpark/mailboxcopy/internal/mapper"
)

// Identity identifies a message within a folder independently of mutable
// IMAP sequence numbers. Key is derived from the Message-ID header; UID is
// only used to fetch the message from the source afterwards.
type Identity struct {
	Key  string
	UID  uint32
	Size uint32
	Date time.Time
}

// MakeKey builds the identity key for a message. The normalized Message-ID
// header is used when present. Messages without one fall back to a key
// derived from the internal date and size, which is stable across runs on
// an unmodified mailbox.
func MakeKey(messageID string, date time.Time, size uint32) string {
	id := strings.TrimSpace(messageID)
	if id != "" {
		return id
	}
	return fmt.Sprintf("%d:%d", date.UTC().Unix(), size)
}

// PlanFolders returns the destination folders to create, parents before
// children and lexicographic within the same depth. Folders already
// present on the destination are left alone; intermediate parents missing
// from the pair list are included so every copy target has a home.
func PlanFolders(pairs []mapper.FolderPair, existing []string) []string {
	present := make(map[string]bool, len(existing))
	for _, f := range existing {
		present[f] = true
	}

	needed := make(map[string]bool)
	for _, p := range pairs {
		for path := p.Dest; path != ""; path = parent(path) {
			if present[path] {
				break
			}
			needed[path] = true
		}
	}

	creates := make([]string, 0, len(needed))
	for path := range needed {
		creates = append(creates, path)
	}
	sort.Slice(creates, func(i, j int) bool {
		di, dj := depth(creates[i]), depth(creates[j])
		if di != dj {
			return di < dj
		}
		return creates[i] < creates[j]
	})
	return creates
}

func parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func depth(path string) int {
	return strings.Count(path, "/")
}

// FolderDiff is the outcome of diffing one folder pair.
type FolderDiff struct {
	ToCopy          []Identity
	SkippedExisting int
	SkippedOversize int
}

// DiffFolder computes the messages missing from the destination. Presence
// is tested on the identity key only. Messages above maxSize (when
// maxSize > 0) are dropped from the copy set but reported. The result is
// ordered by source UID.
func DiffFolder(src, dst []Identity, maxSize int64) FolderDiff {
	have := make(map[string]bool, len(dst))
	for _, id := range dst {
		have[id.Key] = true
	}

	var d FolderDiff
	for _, id := range src {
		if have[id.Key] {
			d.SkippedExisting++
			continue
		}
		if maxSize > 0 && int64(id.Size) > maxSize {
			d.SkippedOversize++
			continue
		}
		d.ToCopy = append(d.ToCopy, id)
	}
	sort.Slice(d.ToCopy, func(i, j int) bool { return d.ToCopy[i].UID < d.ToCopy[j].UID })
	return d
}
