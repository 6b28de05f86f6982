// Package targets reads and writes the target lists handed to the external
// crawl executable. CSV and YAML are supported; each entry is an
// account_id/account_name pair.
package targets

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/roundcrawler/internal/store"
)

var (
	// ErrMissing is returned when the target list file does not exist.
	ErrMissing = errors.New("target list not found")
	// ErrEmpty is returned when a list yields no usable entries.
	ErrEmpty = errors.New("target list is empty")
)

var (
	idHeaders   = []string{"account_id", "url", "link", "id"}
	nameHeaders = []string{"account_name", "name", "title"}
)

// Source yields the full target set for one round.
type Source interface {
	Load(ctx context.Context) ([]store.Target, error)
}

// FileSource loads targets from a CSV or YAML file. Entries whose
// account_id does not contain IDContains are dropped when it is set.
type FileSource struct {
	Path       string
	IDContains string
}

// Load reads the file at s.Path.
func (s FileSource) Load(_ context.Context) ([]store.Target, error) {
	all, err := ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	out := Filter(all, s.IDContains)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, s.Path)
	}
	return out, nil
}

// Exists reports whether path names a readable regular file.
func Exists(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissing, path)
	}
	if err != nil {
		return fmt.Errorf("stat target list: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("target list %s is a directory", path)
	}
	return nil
}

// ReadFile parses path according to its extension.
func ReadFile(path string) ([]store.Target, error) {
	if err := Exists(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open target list: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ReadYAML(f)
	default:
		return ReadCSV(f)
	}
}

// ReadCSV parses a headered CSV. Rows with a blank id are skipped and blank
// names default to account_<row>.
func ReadCSV(r io.Reader) ([]store.Target, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idCol := column(header, idHeaders)
	if idCol < 0 {
		return nil, fmt.Errorf("csv header %v has no account id column", header)
	}
	nameCol := column(header, nameHeaders)

	var out []store.Target
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row, err)
		}
		id := field(rec, idCol)
		if id == "" {
			continue
		}
		out = append(out, store.Target{AccountID: id, AccountName: defaultName(field(rec, nameCol), row)})
	}
	return out, nil
}

// ReadYAML parses either a bare list of targets or a {targets: [...]} document.
func ReadYAML(r io.Reader) ([]store.Target, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read yaml: %w", err)
	}
	var list []store.Target
	if err := yaml.Unmarshal(raw, &list); err != nil {
		var doc struct {
			Targets []store.Target `yaml:"targets"`
		}
		if docErr := yaml.Unmarshal(raw, &doc); docErr != nil {
			return nil, fmt.Errorf("decode yaml target list: %w", err)
		}
		list = doc.Targets
	}
	out := make([]store.Target, 0, len(list))
	for i, t := range list {
		t.AccountID = strings.TrimSpace(t.AccountID)
		if t.AccountID == "" {
			continue
		}
		t.AccountName = defaultName(strings.TrimSpace(t.AccountName), i+1)
		out = append(out, t)
	}
	return out, nil
}

// WriteCSV writes targets in the layout ReadCSV understands.
func WriteCSV(w io.Writer, list []store.Target) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"account_name", "account_id"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, t := range list {
		if err := cw.Write([]string{t.AccountName, t.AccountID}); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// WriteTemp writes list to a new CSV file under dir and returns its path.
// The caller removes the file.
func WriteTemp(dir, prefix string, list []store.Target) (string, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create target dir: %w", err)
		}
	}
	f, err := os.CreateTemp(dir, prefix+"-*.csv")
	if err != nil {
		return "", fmt.Errorf("create temp target list: %w", err)
	}
	if err := WriteCSV(f, list); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close temp target list: %w", err)
	}
	return f.Name(), nil
}

// Filter keeps entries whose id contains substr. An empty substr keeps all.
func Filter(list []store.Target, substr string) []store.Target {
	if substr == "" {
		return list
	}
	out := make([]store.Target, 0, len(list))
	for _, t := range list {
		if strings.Contains(t.AccountID, substr) {
			out = append(out, t)
		}
	}
	return out
}

// MatchesMarker reports whether the base name of path contains marker,
// case-insensitively. An empty marker never matches.
func MatchesMarker(path, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.Contains(strings.ToLower(filepath.Base(path)), strings.ToLower(marker))
}

func column(header []string, names []string) int {
	for _, want := range names {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), want) {
				return i
			}
		}
	}
	return -1
}

func field(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

func defaultName(name string, row int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("account_%d", row)
}
