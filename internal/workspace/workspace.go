package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Lock when another pass holds the night.
var ErrLocked = errors.New("another sequencer pass holds the night lock")

const (
	filePrefix = "sequence_"
	lockName   = ".sequencer.lock"
	passName   = ".sequencer.json"
)

// Workspace is the running analysis directory of one night and production.
type Workspace struct {
	Path    string
	LogPath string
}

// PassMetadata is written after every pass so operators can tell which pass
// last touched the directory.
type PassMetadata struct {
	PassID    string    `json:"pass_id"`
	Telescope string    `json:"telescope"`
	Date      string    `json:"date"`
	ProdID    string    `json:"prod_id"`
	StartedAt time.Time `json:"started_at"`
	Sequences int       `json:"sequences"`
	Submitted []string  `json:"submitted"`
}

func Create(nightDir string) (*Workspace, error) {
	w := &Workspace{
		Path:    nightDir,
		LogPath: filepath.Join(nightDir, "log"),
	}

	for _, dir := range []string{w.Path, w.LogPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return w, nil
}

// At describes the night directory without touching the filesystem.
func At(nightDir string) *Workspace {
	return &Workspace{
		Path:    nightDir,
		LogPath: filepath.Join(nightDir, "log"),
	}
}

func Open(nightDir string) (*Workspace, error) {
	if _, err := os.Stat(nightDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("night directory %s does not exist", nightDir)
	}

	return At(nightDir), nil
}

// SequenceFile is the path of the sequence file with the given extension,
// e.g. SequenceFile("LST1_01807", "veto").
func (w *Workspace) SequenceFile(jobName, ext string) string {
	return filepath.Join(w.Path, filePrefix+jobName+"."+ext)
}

// Markers returns the job names that have a marker file with the extension.
func (w *Workspace) Markers(ext string) (map[string]bool, error) {
	matches, err := filepath.Glob(filepath.Join(w.Path, filePrefix+"*."+ext))
	if err != nil {
		return nil, fmt.Errorf("failed to glob %s markers: %w", ext, err)
	}

	found := make(map[string]bool, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), filePrefix), "."+ext)
		found[name] = true
	}
	return found, nil
}

// MarkerNames is Markers as a sorted slice.
func (w *Workspace) MarkerNames(ext string) ([]string, error) {
	found, err := w.Markers(ext)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Touch creates an empty file, leaving existing content alone.
func Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f.Close()
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsClosed reports whether the night finished flag exists.
func IsClosed(flag string) bool {
	return Exists(flag)
}

func MarkClosed(flag string) error {
	return Touch(flag)
}

// Lock is an exclusive advisory lock on the night directory.
type Lock struct {
	f *os.File
}

// Lock takes the night lock without blocking.
func (w *Workspace) Lock() (*Lock, error) {
	f, err := os.OpenFile(filepath.Join(w.Path, lockName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock night directory: %w", err)
	}

	return &Lock{f: f}, nil
}

func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer l.f.Close()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (w *Workspace) WritePassMetadata(meta *PassMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pass metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(w.Path, passName), data, 0644); err != nil {
		return fmt.Errorf("failed to write pass metadata: %w", err)
	}

	return nil
}

func (w *Workspace) ReadPassMetadata() (*PassMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, passName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no pass recorded in %s", w.Path)
		}
		return nil, fmt.Errorf("failed to read pass metadata: %w", err)
	}

	var meta PassMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse pass metadata: %w", err)
	}

	return &meta, nil
}
