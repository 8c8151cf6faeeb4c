// Package mapper resolves folder mapping rules and exclusions into the
// concrete source-to-destination folder table used by a copy run.
//
// All paths handled here are canonical, using "/" as the separator;
// translation to the server's own delimiter happens at the IMAP layer.
package mapper

import (
	"fmt"
	"sort"
	"strings"
)

// Rule maps a source folder (and optionally its subtree) to a destination
// prefix. Recursive is decided once at parse time from the trailing
// separator on the source side.
type Rule struct {
	Source    string
	Dest      string
	Recursive bool
}

// ParseRule parses a SRC:DST mapping argument. A trailing "/" on SRC marks
// the rule recursive: it applies to SRC and every folder below it.
func ParseRule(arg string) (Rule, error) {
	idx := strings.Index(arg, ":")
	if idx < 0 {
		return Rule{}, fmt.Errorf("invalid mapping %q: expected SRC:DST", arg)
	}
	src, dst := arg[:idx], arg[idx+1:]
	r := Rule{Dest: strings.Trim(dst, "/")}
	if strings.HasSuffix(src, "/") {
		r.Recursive = true
		src = strings.TrimSuffix(src, "/")
	}
	if src == "" {
		return Rule{}, fmt.Errorf("invalid mapping %q: empty source folder", arg)
	}
	if strings.HasPrefix(src, "/") || strings.Contains(src, "//") {
		return Rule{}, fmt.Errorf("invalid mapping %q: malformed source path", arg)
	}
	if strings.Contains(r.Dest, "//") {
		return Rule{}, fmt.Errorf("invalid mapping %q: malformed destination path", arg)
	}
	r.Source = src
	return r, nil
}

// ParseRules parses all mapping arguments, failing fast on the first
// malformed one.
func ParseRules(args []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(args))
	for _, arg := range args {
		r, err := ParseRule(arg)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// matches reports whether the rule applies to the folder and, if so, the
// destination path for it.
func (r Rule) matches(folder string) (string, bool) {
	if !r.Recursive {
		if folder != r.Source {
			return "", false
		}
		if r.Dest == "" {
			return folder, true
		}
		return r.Dest, true
	}
	var rel string
	switch {
	case folder == r.Source:
		rel = ""
	case strings.HasPrefix(folder, r.Source+"/"):
		rel = strings.TrimPrefix(folder, r.Source+"/")
	default:
		return "", false
	}
	dest := r.Dest
	if rel != "" {
		if dest == "" {
			dest = rel
		} else {
			dest = dest + "/" + rel
		}
	}
	if dest == "" {
		// rule maps the subtree to the mailbox root; the folder itself
		// keeps its own name there
		dest = folder
	}
	return dest, true
}

// ExcludeList drops folders and their whole subtrees. Matching is
// prefix-based on slash-terminated paths, so "a" excludes "a" and
// "a/test" but not "a1".
type ExcludeList []string

// NewExcludeList normalizes the excluded folder paths.
func NewExcludeList(folders []string) ExcludeList {
	ex := make(ExcludeList, 0, len(folders))
	for _, f := range folders {
		ex = append(ex, slashify(f))
	}
	return ex
}

// Match reports whether the folder is excluded.
func (ex ExcludeList) Match(folder string) bool {
	name := slashify(folder)
	for _, e := range ex {
		if strings.HasPrefix(name, e) {
			return true
		}
	}
	return false
}

func slashify(v string) string {
	if strings.HasSuffix(v, "/") {
		return v
	}
	return v + "/"
}

// FolderPair is a resolved source folder and the destination folder its
// messages copy into.
type FolderPair struct {
	Source string
	Dest   string
}

// Resolve applies exclusions and mapping rules to the source folder list.
// It returns one pair per surviving folder, in deterministic order, plus
// the folders that were dropped by the exclusion list.
//
// When several rules match a folder the one with the longest source path
// wins; ties go to the rule declared first.
func Resolve(folders []string, rules []Rule, excludes ExcludeList) (pairs []FolderPair, excluded []string) {
	sorted := append([]string(nil), folders...)
	sort.Strings(sorted)

	for _, folder := range sorted {
		if excludes.Match(folder) {
			excluded = append(excluded, folder)
			continue
		}
		best := -1
		dest := folder
		for i, r := range rules {
			d, ok := r.matches(folder)
			if !ok {
				continue
			}
			if best == -1 || len(r.Source) > len(rules[best].Source) {
				best = i
				dest = d
			}
		}
		pairs = append(pairs, FolderPair{Source: folder, Dest: dest})
	}
	return pairs, excluded
}
