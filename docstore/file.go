package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hupe1980/loanmesh/core"
)

// RecordFile is the per-applicant file holding the structured record.
const RecordFile = "record.json"

// FileStore reads applicant data from a directory tree:
//
//	<root>/<applicant_ref>/record.json      structured FinancialRecord
//	<root>/<applicant_ref>/<document>.json  raw documents (gst, itr, bank_statement, ...)
//
// Raw documents are exposed by name and their decoded contents are attached to
// the record's Raw map.
type FileStore struct {
	root string
}

var _ core.DocumentStore = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir. The directory must exist.
func NewFileStore(dir string) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("document root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document root %s is not a directory", dir)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) dir(applicantRef string) (string, error) {
	if applicantRef == "" || applicantRef != filepath.Base(applicantRef) || strings.HasPrefix(applicantRef, ".") {
		return "", fmt.Errorf("invalid applicant reference %q: %w", applicantRef, core.ErrNotFound)
	}
	return filepath.Join(s.root, applicantRef), nil
}

// Get loads record.json and attaches every other document.
func (s *FileStore) Get(ctx context.Context, applicantRef string) (*core.FinancialRecord, error) {
	docs, err := s.List(ctx, applicantRef)
	if err != nil {
		return nil, err
	}
	dir, _ := s.dir(applicantRef)

	var record core.FinancialRecord
	if err := readJSON(filepath.Join(dir, RecordFile), &record); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("applicant %q has no %s: %w", applicantRef, RecordFile, core.ErrNotFound)
		}
		return nil, err
	}

	record.ApplicantRef = applicantRef
	record.Documents = docs
	if record.Raw == nil {
		record.Raw = map[string]any{}
	}
	for _, name := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var body any
		if err := readJSON(filepath.Join(dir, name+".json"), &body); err != nil {
			return nil, err
		}
		record.Raw[name] = body
	}
	return &record, nil
}

// List returns the sorted document names (without extension) stored for the
// applicant, excluding the record file itself.
func (s *FileStore) List(_ context.Context, applicantRef string) ([]string, error) {
	dir, err := s.dir(applicantRef)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("applicant %q: %w", applicantRef, core.ErrNotFound)
		}
		return nil, fmt.Errorf("list documents for %q: %w", applicantRef, err)
	}

	docs := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || name == RecordFile {
			continue
		}
		docs = append(docs, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(docs)
	return docs, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", filepath.Base(path), err)
	}
	return nil
}
