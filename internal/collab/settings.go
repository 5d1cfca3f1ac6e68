package collab

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Settings are the tunables that may change without a restart. Durations
// are Go duration strings; zero or missing fields keep their current
// values.
type Settings struct {
	GracePeriod        string `json:"gracePeriod,omitempty"`
	CheckpointEvery    int    `json:"checkpointEvery,omitempty"`
	CheckpointInterval string `json:"checkpointInterval,omitempty"`
	PresenceTTL        string `json:"presenceTtl,omitempty"`
}

func (s Settings) applyTo(c *Coordinator) {
	if d, err := time.ParseDuration(s.GracePeriod); err == nil && s.GracePeriod != "" {
		c.SetGracePeriod(d)
	}
	if s.CheckpointEvery > 0 {
		c.SetCheckpointEvery(s.CheckpointEvery)
	}
	if d, err := time.ParseDuration(s.CheckpointInterval); err == nil && s.CheckpointInterval != "" {
		c.SetCheckpointInterval(d)
	}
	if d, err := time.ParseDuration(s.PresenceTTL); err == nil && s.PresenceTTL != "" {
		c.SetPresenceTTL(d)
	}
}

// SettingsWatcher applies a JSON settings file to a Coordinator and
// reapplies it whenever the file changes. A missing file means compiled
// defaults; a malformed file is logged and skipped, keeping the previous
// values.
type SettingsWatcher struct {
	path      string
	target    *Coordinator
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

func WatchSettings(path string, target *Coordinator) (*SettingsWatcher, error) {
	if path == "" || target == nil {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename, which drops
	// a watch installed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &SettingsWatcher{
		path:    path,
		target:  target,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	w.reload()
	go w.run()
	return w, nil
}

func (w *SettingsWatcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("collab: settings watcher error: %v", err)
		}
	}
}

func (w *SettingsWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("collab: read settings %s: %v", w.path, err)
		}
		return
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		log.Printf("collab: parse settings %s: %v", w.path, err)
		return
	}
	settings.applyTo(w.target)
}

func (w *SettingsWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
