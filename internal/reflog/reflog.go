// Package reflog implements the reflog-on-rewrite supplement: every
// successful cherry-pick step, continue, and abort appends a record of
// the sha HEAD was moved to, so an operator can audit (or a
// future `git-meta reflog` verb can print) the history of a sequencer
// run independent of the meta-repo's own commit graph.
package reflog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Entry is one recorded rewrite step.
type Entry struct {
	When    time.Time
	Hash    string
	Message string
}

const logFile = "meta_sequencer_reflog"

// Record appends entry to the meta-repo's reflog file at repoPath,
// newest-last (the conventional git reflog order on disk, oldest first
// in the file, read newest-first by Entries).
func Record(repoPath string, hash, message string) error {
	path := filepath.Join(repoPath, logFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open reflog")
	}
	defer f.Close()
	line := fmt.Sprintf("%d\t%s\t%s\n", time.Now().Unix(), hash, message)
	if _, err := f.WriteString(line); err != nil {
		return errors.Wrap(err, "append reflog entry")
	}
	return nil
}

// Entries reads every recorded entry at repoPath, newest first.
func Entries(repoPath string) ([]Entry, error) {
	path := filepath.Join(repoPath, logFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read reflog")
	}
	var out []Entry
	for _, line := range splitLines(string(b)) {
		if line == "" {
			continue
		}
		var unixTime int64
		var hash, msg string
		if _, err := fmt.Sscanf(line, "%d\t%s", &unixTime, &hash); err != nil {
			continue
		}
		if idx := indexOfTab(line, 2); idx >= 0 {
			msg = line[idx+1:]
		}
		out = append(out, Entry{When: time.Unix(unixTime, 0), Hash: hash, Message: msg})
	}
	// reverse to newest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func indexOfTab(s string, n int) int {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\t' {
			count++
			if count == n {
				return i
			}
		}
	}
	return -1
}
