package sim

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/signal"
)

// Project is a keyed collection of experiments. It owns their lifetime;
// experiments keep only a non-owning back-reference. A dirty flag tracks
// any add/remove/edit since the last save.
type Project struct {
	env  Env
	id   int
	name string

	mu          sync.Mutex
	experiments map[int]*Experiment
	dirty       bool

	log *zap.Logger

	ExpAdded          signal.Emitter[int]
	ExpRemoved        signal.Emitter[int]
	ExpEdited         signal.Emitter[int]
	HasUnsavedChanges signal.Emitter[bool]
	NameChanged       signal.Emitter[string]
}

func NewProject(env Env, id int, name string) *Project {
	if name == "" {
		name = fmt.Sprintf("Project%d", id)
	}
	return &Project{
		env:         env,
		id:          id,
		name:        name,
		experiments: make(map[int]*Experiment),
		log: env.Logger().With(
			zap.String("component", "project"),
			zap.Int("project", id),
		),
	}
}

func (p *Project) ID() int { return p.id }

func (p *Project) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Project) SetName(name string) {
	p.mu.Lock()
	changed := p.name != name
	p.name = name
	p.mu.Unlock()
	if changed {
		p.NameChanged.Emit(name)
	}
}

func (p *Project) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

func (p *Project) setDirty(v bool) {
	p.mu.Lock()
	changed := p.dirty != v
	p.dirty = v
	p.mu.Unlock()
	if changed {
		p.HasUnsavedChanges.Emit(v)
	}
}

// Experiment returns the experiment with the given id, or nil.
func (p *Project) Experiment(expID int) *Experiment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.experiments[expID]
}

// Experiments returns the experiments ordered by id.
func (p *Project) Experiments() []*Experiment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedLocked()
}

func (p *Project) sortedLocked() []*Experiment {
	out := make([]*Experiment, 0, len(p.experiments))
	for _, e := range p.experiments {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GenerateExpID returns the next unique experiment id, monotonic from the
// current maximum plus one.
func (p *Project) GenerateExpID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := 0
	for id := range p.experiments {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// NewExperiment creates an experiment from the given inputs and registers
// it with the scheduler. When init fails, the returned experiment is live
// but Invalid and the error carries the cause; the project still owns it
// and the dirty flag is set either way.
func (p *Project) NewExperiment(inputs *ExpInputs) (*Experiment, error) {
	if inputs == nil {
		return nil, errors.New("nil inputs")
	}

	expID := inputs.General(AttrExpID).AsInt()
	p.mu.Lock()
	if _, taken := p.experiments[expID]; taken {
		p.mu.Unlock()
		return nil, fmt.Errorf("experiment id %d must be unique within the project", expID)
	}
	p.mu.Unlock()

	exp, err := NewExperiment(p.env, p, expID, inputs)

	p.mu.Lock()
	p.experiments[expID] = exp
	p.mu.Unlock()

	p.env.Scheduler().Add(exp)
	p.setDirty(true)
	p.ExpAdded.Emit(expID)
	return exp, err
}

// RemoveExperiment detaches and destroys an experiment. It blocks until
// the experiment leaves {Queued, Running}; callers pause or stop it first.
func (p *Project) RemoveExperiment(expID int) error {
	p.mu.Lock()
	exp, ok := p.experiments[expID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("tried to remove a nonexistent experiment %d", expID)
	}
	delete(p.experiments, expID)
	p.mu.Unlock()

	p.env.Scheduler().Kill(exp.ProcessID())
	exp.Invalidate()

	p.setDirty(true)
	p.ExpRemoved.Emit(expID)
	return nil
}

// EditExperiment replaces an experiment's inputs. Rejected unless the
// experiment is idle.
func (p *Project) EditExperiment(expID int, inputs *ExpInputs) error {
	p.mu.Lock()
	exp, ok := p.experiments[expID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("tried to edit a nonexistent experiment %d", expID)
	}
	if exp.Status().Active() {
		return fmt.Errorf("experiment %d is running; pause it before editing", expID)
	}
	if err := exp.Init(inputs); err != nil {
		return err
	}
	p.setDirty(true)
	p.ExpEdited.Emit(expID)
	return nil
}

// PlayAll plays every experiment of the project.
func (p *Project) PlayAll() {
	for _, e := range p.Experiments() {
		e.Play()
	}
}

// PauseAll pauses every queued or running experiment.
func (p *Project) PauseAll() {
	for _, e := range p.Experiments() {
		if e.Status().Active() {
			e.Pause()
		}
	}
}

// Close invalidates every contained experiment and empties the project.
func (p *Project) Close() {
	for _, e := range p.Experiments() {
		p.env.Scheduler().Kill(e.ProcessID())
		e.Invalidate()
	}
	p.mu.Lock()
	p.experiments = make(map[int]*Experiment)
	p.mu.Unlock()
}

// ImportExperiments reads experiments from the delimited text format: one
// header row naming general and prefixed plugin attributes, one experiment
// per subsequent row. Row failures are collected and reported; they never
// abort the import. Returns the number of experiments created.
func (p *Project) ImportExperiments(r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("couldn't read the experiments header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rowErrs []string
	created := 0
	row := 1
	for {
		values, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rowErrs = append(rowErrs, fmt.Sprintf("row %d: %v", row, err))
			row++
			continue
		}

		inputs, err := ParseExpInputs(p.env.Registry(), header, values)
		if err != nil {
			rowErrs = append(rowErrs, fmt.Sprintf("row %d (skipped): %v", row, err))
			row++
			continue
		}
		if _, err := p.NewExperiment(inputs); err != nil {
			// the experiment exists but is Invalid; report and keep going
			rowErrs = append(rowErrs, fmt.Sprintf("row %d: %v", row, err))
		}
		created++
		row++
	}

	if row == 1 {
		return 0, errors.New("the file is empty; there were no experiments to read")
	}
	if len(rowErrs) > 0 {
		return created, fmt.Errorf("some rows could not be imported:\n%s",
			strings.Join(rowErrs, "\n"))
	}
	return created, nil
}

// Save writes the project in the same delimited format. The header is the
// sorted union of attribute names across all experiments, with the
// experiment id forced to the first column. Clears the dirty flag.
func (p *Project) Save(w io.Writer) error {
	exps := p.Experiments()
	if len(exps) == 0 {
		return fmt.Errorf("project %q is empty; there is nothing to save", p.Name())
	}

	union := map[string]bool{}
	for _, e := range exps {
		for _, name := range e.Inputs().ExportAttrNames() {
			union[name] = true
		}
	}
	delete(union, AttrExpID)
	header := make([]string, 0, len(union)+1)
	for name := range union {
		header = append(header, name)
	}
	sort.Strings(header)
	header = append([]string{AttrExpID}, header...)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing project header: %w", err)
	}
	for _, e := range exps {
		in := e.Inputs()
		record := make([]string, len(header))
		for i, name := range header {
			record[i] = in.ExportValue(name).String()
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing experiment %d: %w", e.ID(), err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("saving project: %w", err)
	}

	p.setDirty(false)
	p.log.Debug("project saved", zap.Int("experiments", len(exps)))
	return nil
}
