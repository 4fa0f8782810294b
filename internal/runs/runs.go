// Package runs names and lists backup run directories below a backup root.
package runs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Layout is the time layout of run directory names. A second run started
// in the same minute gets a "_2" suffix, the next "_3", and so on.
const Layout = "2006-01-02_15-04"

// maxSeq bounds the runs created within one minute.
const maxSeq = 99

// Run is a run directory found below a backup root.
type Run struct {
	Name    string
	Path    string
	Time    time.Time // parsed from Name
	Seq     int       // 1 for the first run of a minute
	ModTime time.Time
}

// Name returns the directory name of a run started at t.
func Name(t time.Time) string {
	return t.Format(Layout)
}

// Parse returns the start time encoded in a run directory name.
func Parse(name string) (time.Time, bool) {
	t, _, ok := parse(name)
	return t, ok
}

func parse(name string) (time.Time, int, bool) {
	base, seq := name, 1
	if len(name) > len(Layout) {
		if name[len(Layout)] != '_' {
			return time.Time{}, 0, false
		}
		n, err := strconv.Atoi(name[len(Layout)+1:])
		if err != nil || n < 2 || strconv.Itoa(n) != name[len(Layout)+1:] {
			return time.Time{}, 0, false
		}
		base, seq = name[:len(Layout)], n
	}
	t, err := time.ParseInLocation(Layout, base, time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	return t, seq, true
}

// Create makes the directory of a run started at t. When a run of the same
// minute already exists the next free sequence suffix is used.
func Create(root string, t time.Time) (Run, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return Run{}, fmt.Errorf("create backup root: %w", err)
	}
	base := Name(t)
	for seq := 1; seq <= maxSeq; seq++ {
		name := base
		if seq > 1 {
			name = base + "_" + strconv.Itoa(seq)
		}
		path := filepath.Join(root, name)
		err := os.Mkdir(path, 0755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return Run{}, fmt.Errorf("create run directory: %w", err)
		}
		parsed, _ := Parse(base)
		return Run{Name: name, Path: path, Time: parsed, Seq: seq, ModTime: t}, nil
	}
	return Run{}, fmt.Errorf("create run directory: %d runs already started at %s", maxSeq, base)
}

// List returns the run directories below root, newest first. Entries whose
// names do not follow Layout are ignored. A missing root yields no runs.
func List(root string) ([]Run, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}

	var out []Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, seq, ok := parse(e.Name())
		if !ok {
			continue
		}
		r := Run{Name: e.Name(), Path: filepath.Join(root, e.Name()), Time: t, Seq: seq}
		if info, err := e.Info(); err == nil {
			r.ModTime = info.ModTime()
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		if out[i].Seq != out[j].Seq {
			return out[i].Seq > out[j].Seq
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}
