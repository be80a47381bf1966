package upload

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one persisted upload in the coordinator's ledger.
type Entry struct {
	SavedAt            time.Time `json:"saved_at"`
	StateCode          string    `json:"state_code"`
	LastSuccessfulByte int64     `json:"last_successful_byte"`
	UploadURL          string    `json:"upload_url"`
	File               string    `json:"file"`
	Options            Options   `json:"options"`
}

// Identity returns the identity the entry is keyed under.
func (e Entry) Identity() Identity {
	return Identity{UploadURL: e.UploadURL, File: e.File}
}

// ledger persists upload snapshots as one JSON file per identity inside a
// directory. Methods log and swallow I/O errors: a lost ledger write
// degrades discovery after a restart, never the upload itself.
type ledger struct {
	dir         string
	fileManager fileutil.FileManager
	logger      log.Logger
}

func newLedger(dir string, fileManager fileutil.FileManager, logger log.Logger) *ledger {
	return &ledger{dir: dir, fileManager: fileManager, logger: logger}
}

func (l *ledger) save(e Entry) {
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		l.logger.Warnf("Create upload ledger directory: %s", err)
		return
	}

	data, err := json.MarshalIndent(e, "", "\t")
	if err != nil {
		l.logger.Warnf("Encode upload ledger entry: %s", err)
		return
	}

	path := l.entryPath(e.Identity())
	if err := l.fileManager.Write(path, string(data), 0600); err != nil {
		l.logger.Warnf("Write upload ledger entry: %s", err)
	}
}

func (l *ledger) remove(id Identity) {
	path := l.entryPath(id)
	if err := l.fileManager.Remove(path); err != nil && !os.IsNotExist(err) {
		l.logger.Warnf("Remove upload ledger entry: %s", err)
	}
}

// entries reads every parseable entry in the ledger directory. Unreadable
// or corrupt files are skipped.
func (l *ledger) entries() []Entry {
	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		return nil
	}

	names, err := doublestar.Glob(os.DirFS(l.dir), "*.json")
	if err != nil {
		l.logger.Warnf("List upload ledger: %s", err)
		return nil
	}

	var out []Entry
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		reader, err := l.fileManager.OpenReaderIfExists(path)
		if err != nil || reader == nil {
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			l.logger.Warnf("Read upload ledger entry %s: %s", name, err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			l.logger.Warnf("Skipping corrupt upload ledger entry %s: %s", name, err)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (l *ledger) entryPath(id Identity) string {
	sum := sha256.Sum256([]byte(id.UploadURL + "\x00" + id.File))
	return filepath.Join(l.dir, fmt.Sprintf("%x.json", sum[:8]))
}
