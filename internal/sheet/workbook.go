package sheet

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/metrics-cli/internal/table"
)

// Workbook is an xlsx file used as both table source and report sink. The file is read
// on first access rather than on open, so a workbook opened before the run lock is taken
// still sees what the previous lock holder saved. Writes are held in memory until Save,
// which replaces the file atomically.
type Workbook struct {
	mu   sync.Mutex
	path string
	file *xlsx.File // nil until first access
}

// OpenWorkbook prepares the workbook at path. A missing file yields an empty workbook
// that will be created on Save; a path that exists but is not a regular file is an error.
func OpenWorkbook(path string) (*Workbook, error) {
	if path == "" {
		return nil, eris.New("sheet: empty workbook path")
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, eris.Wrapf(err, "sheet: stat workbook %s", path)
	case !fi.Mode().IsRegular():
		return nil, eris.Errorf("sheet: workbook %s is not a regular file", path)
	}
	return &Workbook{path: path}, nil
}

// load reads the file once. Callers hold w.mu.
func (w *Workbook) load() error {
	if w.file != nil {
		return nil
	}
	f, err := xlsx.OpenFile(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "sheet: open workbook %s", w.path)
		}
		f = xlsx.NewFile()
	}
	w.file = f
	return nil
}

// Path returns the file the workbook saves to.
func (w *Workbook) Path() string { return w.path }

// Grid implements table.Source. Cells are converted to native values: blank cells become
// nil, numeric cells float64, date-formatted numeric cells time.Time, booleans bool.
func (w *Workbook) Grid(_ context.Context, name string) (table.Grid, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.load(); err != nil {
		return nil, err
	}

	sh, ok := w.file.Sheet[name]
	if !ok {
		return nil, eris.Wrapf(table.ErrMissingTable, "sheet: workbook %s has no sheet %q", w.path, name)
	}

	m := make(table.Matrix, len(sh.Rows))
	for r, row := range sh.Rows {
		if row == nil {
			continue
		}
		cells := make([]any, len(row.Cells))
		for c, cell := range row.Cells {
			cells[c] = cellValue(cell, w.file.Date1904)
		}
		m[r] = cells
	}
	return m, nil
}

// WriteRows implements table.Sink.
func (w *Workbook) WriteRows(_ context.Context, name string, startRow, startCol int, rows [][]any) error {
	if startRow < 0 || startCol < 0 {
		return eris.Errorf("sheet: invalid start position (%d, %d)", startRow, startCol)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	sh, err := w.sheet(name)
	if err != nil {
		return err
	}
	for i, row := range rows {
		for j, v := range row {
			setCell(sh.Cell(startRow+i, startCol+j), v)
		}
	}
	return nil
}

// Clear implements table.Sink.
func (w *Workbook) Clear(_ context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sh, err := w.sheet(name)
	if err != nil {
		return err
	}
	sh.Rows = nil
	sh.MaxRow = 0
	sh.MaxCol = 0
	return nil
}

// Replace implements table.Replacer.
func (w *Workbook) Replace(ctx context.Context, name string, rows [][]any) error {
	return w.ReplaceAll(ctx, []table.Replacement{{Name: name, Rows: rows}})
}

// ReplaceAll implements table.BatchReplacer. Every sheet name is checked before any
// sheet is touched.
func (w *Workbook) ReplaceAll(_ context.Context, tables []table.Replacement) error {
	for _, t := range tables {
		if err := validSheetName(t.Name); err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.load(); err != nil {
		return err
	}

	for _, t := range tables {
		sh, err := w.sheet(t.Name)
		if err != nil {
			return err
		}
		sh.Rows = nil
		sh.MaxRow = 0
		sh.MaxCol = 0
		for i, row := range t.Rows {
			for j, v := range row {
				setCell(sh.Cell(i, j), v)
			}
		}
	}
	return nil
}

// Save writes the workbook to a temp file next to the target and renames it into place.
// A workbook that was never accessed has nothing to write.
func (w *Workbook) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "sheet: create temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if err := w.file.Write(tmp); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "sheet: write workbook %s", w.path)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "sheet: close temp file")
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return eris.Wrapf(err, "sheet: replace %s", w.path)
	}
	return nil
}

// sheet returns the named sheet, adding it when missing. Callers hold w.mu.
func (w *Workbook) sheet(name string) (*xlsx.Sheet, error) {
	if err := w.load(); err != nil {
		return nil, err
	}
	if sh, ok := w.file.Sheet[name]; ok {
		return sh, nil
	}
	sh, err := w.file.AddSheet(name)
	if err != nil {
		return nil, eris.Wrapf(err, "sheet: add sheet %q", name)
	}
	return sh, nil
}

// validSheetName applies the spreadsheet naming rules: 1 to 31 characters, none of
// : \ / ? * [ ].
func validSheetName(name string) error {
	if n := utf8.RuneCountInString(name); n == 0 || n > 31 {
		return eris.Errorf("sheet: invalid sheet name %q: must be 1 to 31 characters", name)
	}
	if strings.ContainsAny(name, `:\/?*[]`) {
		return eris.Errorf("sheet: invalid sheet name %q: contains one of : \\ / ? * [ ]", name)
	}
	return nil
}

func cellValue(cell *xlsx.Cell, date1904 bool) any {
	if cell == nil {
		return nil
	}
	switch cell.Type() {
	case xlsx.CellTypeBool:
		return cell.Bool()
	case xlsx.CellTypeNumeric, xlsx.CellTypeDate:
		if cell.IsTime() {
			if t, err := cell.GetTime(date1904); err == nil {
				return t
			}
		}
		if f, err := cell.Float(); err == nil {
			return f
		}
	}
	s := cell.String()
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func setCell(cell *xlsx.Cell, v any) {
	switch x := v.(type) {
	case nil:
		cell.SetString("")
	case string:
		cell.SetString(x)
	case float64:
		cell.SetFloat(x)
	case float32:
		cell.SetFloat(float64(x))
	case int:
		cell.SetInt(x)
	case int64:
		cell.SetInt64(x)
	case bool:
		cell.SetBool(x)
	case time.Time:
		cell.SetDateTime(x)
	default:
		cell.SetValue(x)
	}
}
