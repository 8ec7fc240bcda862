package calibration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Store persists one calibration per subject. The session layer reloads a
// subject's calibration on every connect and subject switch, so loads must be
// cheap and safe under concurrent access.
type Store interface {
	Load(subjectID string) (Calibration, bool, error)
	Save(subjectID string, c Calibration) error
}

// FileStore keeps calibrations as one JSON file per subject under a data
// directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "creating calibration dir")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(subjectID string) string {
	// Subject IDs come from external profile storage; keep them filesystem-safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, subjectID)
	return filepath.Join(s.dir, safe+".json")
}

// Load returns the stored calibration for subjectID, with found=false when
// the subject has never calibrated.
func (s *FileStore) Load(subjectID string) (Calibration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(subjectID))
	if os.IsNotExist(err) {
		return Calibration{}, false, nil
	}
	if err != nil {
		return Calibration{}, false, pkgerrors.Wrapf(err, "reading calibration for %s", subjectID)
	}

	var c Calibration
	if err := json.Unmarshal(data, &c); err != nil {
		// A corrupt file is treated as absent rather than wedging the
		// connect path; the user recalibrates.
		logrus.Warnf("calibration: corrupt file for subject %s, ignoring: %v", subjectID, err)
		return Calibration{}, false, nil
	}
	return c, true, nil
}

// Save writes the calibration for subjectID, replacing any previous one. The
// write goes through a temp file so a crash cannot leave a torn calibration.
func (s *FileStore) Save(subjectID string, c Calibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "encoding calibration")
	}

	path := s.path(subjectID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pkgerrors.Wrapf(err, "writing calibration for %s", subjectID)
	}
	if err := os.Rename(tmp, path); err != nil {
		return pkgerrors.Wrapf(err, "replacing calibration for %s", subjectID)
	}
	return nil
}

var _ Store = (*FileStore)(nil)

// MemoryStore is an in-memory Store for tests and for running without a data
// directory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Calibration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Calibration)}
}

func (s *MemoryStore) Load(subjectID string) (Calibration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[subjectID]
	return c, ok, nil
}

func (s *MemoryStore) Save(subjectID string, c Calibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[subjectID] = c
	return nil
}

var _ Store = (*MemoryStore)(nil)
