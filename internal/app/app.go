// Package app holds the main controller: the process manager, the plugin
// registry, the default inter-step delay and the open projects. It is
// purely compositional; all concurrency lives in the process manager.
package app

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/plugin"
	"github.com/netvolve/netvolve/internal/procmgr"
	"github.com/netvolve/netvolve/internal/sim"
)

// App is the global entry point of the execution core.
type App struct {
	log      *zap.Logger
	registry *plugin.Registry
	mgr      *procmgr.Manager

	// delay is the default inter-step delay in milliseconds, applied to
	// experiments on reset.
	delay atomic.Int64

	mu       sync.Mutex
	projects map[int]*sim.Project
	nextID   int
}

// New wires the controller. threads <= 0 selects the machine's ideal
// parallelism.
func New(threads int, stepDelay time.Duration, logger *zap.Logger) *App {
	a := &App{
		log:      logger.With(zap.String("component", "app")),
		registry: plugin.NewRegistry(),
		projects: make(map[int]*sim.Project),
	}
	a.mgr = procmgr.New(threads, logger)
	a.delay.Store(int64(stepDelay / time.Millisecond))
	return a
}

var _ sim.Env = (*App)(nil)

func (a *App) Registry() *plugin.Registry { return a.registry }

func (a *App) Scheduler() sim.Scheduler { return a.mgr }

// Manager exposes the concrete process manager for control surfaces that
// need more than the scheduler slice.
func (a *App) Manager() *procmgr.Manager { return a.mgr }

func (a *App) Logger() *zap.Logger { return a.log }

func (a *App) DefaultStepDelay() time.Duration {
	return time.Duration(a.delay.Load()) * time.Millisecond
}

func (a *App) SetDefaultStepDelay(d time.Duration) {
	a.delay.Store(int64(d / time.Millisecond))
}

// NewProject opens an empty project under a generated id.
func (a *App) NewProject(name string) *sim.Project {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	p := sim.NewProject(a, id, name)
	a.projects[id] = p
	a.mu.Unlock()
	a.log.Info("project opened", zap.Int("project", id), zap.String("name", p.Name()))
	return p
}

// Project returns an open project by id, or nil.
func (a *App) Project(id int) *sim.Project {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.projects[id]
}

// Projects returns the open projects ordered by id.
func (a *App) Projects() []*sim.Project {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*sim.Project, 0, len(a.projects))
	for _, p := range a.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CloseProject invalidates the project's experiments and forgets it.
func (a *App) CloseProject(id int) error {
	a.mu.Lock()
	p, ok := a.projects[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no open project %d", id)
	}
	delete(a.projects, id)
	a.mu.Unlock()

	p.Close()
	a.log.Info("project closed", zap.Int("project", id))
	return nil
}

// Shutdown kills every process and waits for in-flight workers.
func (a *App) Shutdown() {
	a.mgr.KillAll()
	a.mgr.Wait()
}
