package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
)

// keyFile is the on-disk YAML layout for account signing keys.
type keyFile struct {
	Keys map[string]string `yaml:"keys"`
}

// Keychain holds the named account keys that sign access tokens. Keys loaded
// from a file are hot-reloaded when the file changes, so a rotated key takes
// effect without a restart; tokens signed with a removed key fail their next
// validation.
type Keychain struct {
	mu   sync.RWMutex
	keys map[string][]byte

	path    string
	logger  pslog.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewStaticKeychain builds a keychain from in-memory keys. Used for
// embedding and tests.
func NewStaticKeychain(keys map[string][]byte) *Keychain {
	copied := make(map[string][]byte, len(keys))
	for name, key := range keys {
		copied[name] = append([]byte(nil), key...)
	}
	return &Keychain{keys: copied}
}

// LoadKeychain reads the key file and watches its directory for changes.
// Watching the directory instead of the file survives the rename dance most
// editors and secret managers do on update.
func LoadKeychain(path string, logger pslog.Logger) (*Keychain, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	k := &Keychain{
		path:   path,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := k.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("keychain: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("keychain: watch %q: %w", filepath.Dir(path), err)
	}
	k.watcher = watcher
	go k.watch()
	return k, nil
}

func (k *Keychain) reload() error {
	raw, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("keychain: read %q: %w", k.path, err)
	}
	var file keyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("keychain: parse %q: %w", k.path, err)
	}
	if len(file.Keys) == 0 {
		return fmt.Errorf("keychain: %q defines no keys", k.path)
	}
	keys := make(map[string][]byte, len(file.Keys))
	for name, secret := range file.Keys {
		if name == "" || secret == "" {
			return fmt.Errorf("keychain: %q contains an empty key name or secret", k.path)
		}
		keys[name] = []byte(secret)
	}
	k.mu.Lock()
	k.keys = keys
	k.mu.Unlock()
	return nil
}

func (k *Keychain) watch() {
	defer close(k.done)
	base := filepath.Base(k.path)
	for {
		select {
		case event, ok := <-k.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := k.reload(); err != nil {
				// Keep serving the previous key set on a bad write.
				k.logger.Warn("keychain reload failed", "path", k.path, "error", err)
				continue
			}
			k.logger.Info("keychain reloaded", "path", k.path)
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return
			}
			k.logger.Warn("keychain watcher error", "path", k.path, "error", err)
		case <-k.stop:
			return
		}
	}
}

// Key returns the named signing key.
func (k *Keychain) Key(name string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[name]
	return key, ok
}

// Close stops the file watcher. Static keychains close trivially.
func (k *Keychain) Close() error {
	if k.watcher == nil {
		return nil
	}
	close(k.stop)
	err := k.watcher.Close()
	<-k.done
	return err
}
