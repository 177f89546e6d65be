package sim

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/netvolve/netvolve/internal/attrs"
)

// FileOutput is a file-backed output sink: one file per trial, named
// "<prefix><trialId>", carrying the comma-joined column header on the
// first line and one comma-joined row of values per step. Writes are
// serialized internally; trials on different workers may flush into
// distinct files of the same sink concurrently.
type FileOutput struct {
	prefix  string
	columns []string

	mu    sync.Mutex
	files map[int]*trialFile
	rows  int
}

type trialFile struct {
	f *os.File
	w *bufio.Writer
}

func NewFileOutput(prefix string, columns []string) *FileOutput {
	return &FileOutput{
		prefix:  prefix,
		columns: columns,
		files:   make(map[int]*trialFile),
	}
}

func (o *FileOutput) Columns() []string { return o.columns }

// Header returns the comma-joined column header.
func (o *FileOutput) Header() string { return strings.Join(o.columns, ",") }

// Equal reports value equality: same path prefix and same column list.
// The experiment's output set is de-duplicated with it.
func (o *FileOutput) Equal(other *FileOutput) bool {
	if o.prefix != other.prefix || len(o.columns) != len(other.columns) {
		return false
	}
	for i, c := range o.columns {
		if c != other.columns[i] {
			return false
		}
	}
	return true
}

// IsEmpty reports whether no rows have been written since the last Close.
func (o *FileOutput) IsEmpty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rows == 0
}

// WriteStep appends one row for a trial, lazily creating the trial's file
// and writing the header first.
func (o *FileOutput) WriteStep(trialID int, values []attrs.Value) error {
	if len(values) != len(o.columns) {
		return fmt.Errorf("output %s: got %d values for %d columns",
			o.prefix, len(values), len(o.columns))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	tf, ok := o.files[trialID]
	if !ok {
		f, err := os.Create(fmt.Sprintf("%s%d", o.prefix, trialID))
		if err != nil {
			return fmt.Errorf("output %s: %w", o.prefix, err)
		}
		tf = &trialFile{f: f, w: bufio.NewWriter(f)}
		o.files[trialID] = tf
		if _, err := tf.w.WriteString(o.Header() + "\n"); err != nil {
			return fmt.Errorf("output %s: %w", o.prefix, err)
		}
	}

	row := make([]string, len(values))
	for i, v := range values {
		row[i] = v.String()
	}
	if _, err := tf.w.WriteString(strings.Join(row, ",") + "\n"); err != nil {
		return fmt.Errorf("output %s: %w", o.prefix, err)
	}
	o.rows++
	return nil
}

// Flush forces buffered rows of every trial file to disk.
func (o *FileOutput) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, tf := range o.files {
		if err := tf.w.Flush(); err != nil {
			return fmt.Errorf("output %s: %w", o.prefix, err)
		}
	}
	return nil
}

// Close flushes and closes every trial file and resets the row counter.
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for id, tf := range o.files {
		if err := tf.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := tf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(o.files, id)
	}
	o.rows = 0
	return firstErr
}
