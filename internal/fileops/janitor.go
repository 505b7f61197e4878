package fileops

import (
	"context"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"lanlinker/internal/clock"
)

// Janitor removes top-level entries of Dir whose modification time is older
// than MaxAge.
type Janitor struct {
	Dir      string
	MaxAge   time.Duration
	Interval time.Duration
	Clock    clock.Clock
}

// Run sweeps once immediately, then every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if j.MaxAge <= 0 {
		return
	}
	interval := j.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if n, err := j.Sweep(); err != nil {
			log.WithError(err).WithField("dir", j.Dir).Warn("quick share sweep failed")
		} else if n > 0 {
			log.WithFields(log.Fields{"dir": j.Dir, "removed": n}).Info("expired quick share entries")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sweep performs one pass and reports how many entries were removed.
func (j *Janitor) Sweep() (int, error) {
	clk := j.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ents, err := os.ReadDir(j.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := clk.Now().Add(-j.MaxAge)
	removed := 0
	for _, e := range ents {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(j.Dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
