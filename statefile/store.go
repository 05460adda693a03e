package statefile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/lightningnetwork/lnd/clock"
)

// ErrNoState is returned by Load when no state file exists yet.
var ErrNoState = errors.New("no state file")

// Store reads and atomically replaces the state file. Writers in other
// processes are serialized with an advisory lock on "<path>.lock".
type Store struct {
	path  string
	clock clock.Clock
	lock  *flock.Flock
}

// NewStore creates a store for the state file at path.
func NewStore(path string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Store{
		path:  path,
		clock: clk,
		lock:  flock.New(path + ".lock"),
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the state file. ErrNoState is returned if it
// does not exist, a *StateFormatError if it cannot be used.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read state file: %w", err)
	}

	state, err := Decode(s.path, data, s.clock.Now())
	if err != nil {
		return nil, err
	}

	log.Infof("Loaded state file %s: %d layer2, %d layer3 guards",
		s.path, len(state.Layer2), len(state.Layer3))

	return state, nil
}

// Save atomically replaces the state file with state. A reader never
// observes a partially written file.
func (s *Store) Save(state *State) error {
	data, err := Encode(state)
	if err != nil {
		return fmt.Errorf("unable to encode state: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("unable to lock state file: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			log.Warnf("Unable to unlock state file: %v", err)
		}
	}()

	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}

	log.Debugf("Wrote state file %s (%d bytes)", s.path, len(data))

	return nil
}

// writeFileAtomic writes data to a temporary file in the target directory
// and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("unable to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return err
	}

	if err := tmp.Chmod(0600); err != nil {
		return cleanup(fmt.Errorf("unable to chmod state file: %w",
			err))
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("unable to write state file: %w",
			err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("unable to sync state file: %w",
			err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("unable to close state file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("unable to replace state file: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("unable to open state directory: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("unable to sync state directory: %w", err)
	}

	return nil
}
