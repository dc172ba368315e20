package watcher

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// poller rescans the tree every interval and diffs fingerprints
type poller struct {
	root   string
	filter Filter
	opts   Options
	logger *slog.Logger

	files map[string]string // rel -> fingerprint
	out   chan Batch
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newPoller(root string, filter Filter, opts Options) (*poller, error) {
	p := &poller{
		root:   root,
		filter: filter,
		opts:   opts,
		logger: opts.Logger.With("root", root),
		out:    make(chan Batch, 1),
		done:   make(chan struct{}),
	}
	files, err := p.scan()
	if err != nil {
		return nil, err
	}
	p.files = files
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

func (p *poller) Batches() <-chan Batch {
	return p.out
}

func (p *poller) Mode() string { return ModePolling }

func (p *poller) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
	return nil
}

func (p *poller) scan() (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.root {
				return err
			}
			return nil
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if p.filter != nil && p.filter.IgnoredDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || (p.filter != nil && p.filter.Ignored(rel)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[rel] = types.Fingerprint(info.ModTime(), info.Size())
		return nil
	})
	return files, err
}

func (p *poller) loop() {
	defer p.wg.Done()
	defer close(p.out)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			current, err := p.scan()
			if err != nil {
				p.logger.Warn("poll scan failed", "error", err)
				continue
			}
			batch := diffSnapshots(p.files, current)
			p.files = current
			if batch.Empty() {
				continue
			}
			select {
			case p.out <- batch:
			case <-p.done:
				return
			}
		}
	}
}

func diffSnapshots(old, current map[string]string) Batch {
	var b Batch
	for rel, fp := range current {
		if prev, ok := old[rel]; !ok || prev != fp {
			b.Changed = append(b.Changed, rel)
		}
	}
	for rel := range old {
		if _, ok := current[rel]; !ok {
			b.Removed = append(b.Removed, rel)
		}
	}
	sort.Strings(b.Changed)
	sort.Strings(b.Removed)
	return b
}
