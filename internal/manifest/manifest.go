// Package manifest stores published game bundles on disk: the uploaded
// files themselves, a compressed archive snapshot for cold storage and a
// compressed audit log of every upload that touched the bundle.
package manifest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

const (
	archiveName  = "bundle.zst"
	auditName    = "uploads.jsonl.sz"
	manifestName = "config.json"
	serverSuffix = "_server"
)

// ErrBundleNotFound indicates no bundle directory exists for the game.
var ErrBundleNotFound = errors.New("game bundle not found")

var nameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Store manages the bundle tree under a single root directory. One
// directory per published game, named gamename_author.
type Store struct {
	mu   sync.Mutex
	root string
	now  func() time.Time
}

// NewStore opens a bundle store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("bundle root must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: dir, now: time.Now}, nil
}

// Root exposes the directory backing the store.
func (s *Store) Root() string { return s.root }

// Dir returns the bundle directory for a game without touching disk.
func (s *Store) Dir(game, author string) string {
	key := nameCleaner.ReplaceAllString(game, "") + "_" + nameCleaner.ReplaceAllString(author, "")
	return filepath.Join(s.root, key)
}

// Publish writes the uploaded files into the game's bundle directory,
// refreshes the archive snapshot and appends an audit record. Existing
// files with the same names are replaced; others are left alone so an
// update can ship a partial file set.
func (s *Store) Publish(game, author, action string, files map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(game, author)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	names := make([]string, 0, len(files))
	total := 0
	for name, payload := range files {
		base := filepath.Base(name)
		if base == "." || base == ".." || base == archiveName || base == auditName {
			return fmt.Errorf("illegal bundle file name %q", name)
		}
		mode := os.FileMode(0o644)
		if strings.Contains(base, serverSuffix) {
			mode = 0o755
		}
		if err := os.WriteFile(filepath.Join(dir, base), payload, mode); err != nil {
			return err
		}
		names = append(names, base)
		total += len(payload)
	}
	sort.Strings(names)

	if err := s.writeArchiveLocked(dir); err != nil {
		return err
	}
	return s.appendAuditLocked(dir, action, names, total)
}

// Load reads the downloadable files of a bundle. The server binary, the
// catalog manifest and the store's own artefacts stay on the platform side.
func (s *Store) Load(game, author string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(game, author)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBundleNotFound
		}
		return nil, err
	}

	files := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() || !downloadable(entry.Name()) {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files[entry.Name()] = payload
	}
	return files, nil
}

// Remove deletes the whole bundle directory. Removing a bundle that was
// never published is not an error.
func (s *Store) Remove(game, author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.Dir(game, author))
}

// AuditRecord is one line of the bundle's upload history.
type AuditRecord struct {
	At     string   `json:"at"`
	Action string   `json:"action"`
	Files  []string `json:"files"`
	Bytes  int      `json:"bytes"`
}

// Audit replays the compressed audit log of a bundle.
func (s *Store) Audit(game, author string) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.Dir(game, author), auditName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBundleNotFound
		}
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(snappy.NewReader(f))
	if err != nil {
		return nil, err
	}
	var records []AuditRecord
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadArchive decodes the archive snapshot back into a file map.
func (s *Store) ReadArchive(game, author string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.Dir(game, author), archiveName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBundleNotFound
		}
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	files := make(map[string][]byte)
	for {
		var nameLen uint32
		if err := binary.Read(dec, binary.LittleEndian, &nameLen); err != nil {
			if errors.Is(err, io.EOF) {
				return files, nil
			}
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(dec, name); err != nil {
			return nil, err
		}
		var payloadLen uint32
		if err := binary.Read(dec, binary.LittleEndian, &payloadLen); err != nil {
			return nil, err
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(dec, payload); err != nil {
			return nil, err
		}
		files[string(name)] = payload
	}
}

func downloadable(name string) bool {
	if name == archiveName || name == auditName || name == manifestName {
		return false
	}
	return !strings.Contains(name, serverSuffix)
}

// writeArchiveLocked snapshots every bundle file into a single zstd stream
// of length-prefixed entries.
func (s *Store) writeArchiveLocked(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, archiveName))
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == archiveName || name == auditName {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			enc.Close()
			f.Close()
			return err
		}
		if err := binary.Write(enc, binary.LittleEndian, uint32(len(name))); err != nil {
			enc.Close()
			f.Close()
			return err
		}
		if _, err := enc.Write([]byte(name)); err != nil {
			enc.Close()
			f.Close()
			return err
		}
		if err := binary.Write(enc, binary.LittleEndian, uint32(len(payload))); err != nil {
			enc.Close()
			f.Close()
			return err
		}
		if _, err := enc.Write(payload); err != nil {
			enc.Close()
			f.Close()
			return err
		}
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// appendAuditLocked writes one snappy-framed JSON line to the upload log.
// Framed snappy streams concatenate, so appending a fresh stream per record
// keeps the log readable end to end.
func (s *Store) appendAuditLocked(dir, action string, files []string, total int) error {
	f, err := os.OpenFile(filepath.Join(dir, auditName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w := snappy.NewBufferedWriter(f)

	rec := AuditRecord{
		At:     s.now().UTC().Format(time.RFC3339Nano),
		Action: action,
		Files:  files,
		Bytes:  total,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		w.Close()
		f.Close()
		return err
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		w.Close()
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
