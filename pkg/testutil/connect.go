package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/nebula-cdc/pkg/connect"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// FakeConnector is one connector held by FakeController
type FakeConnector struct {
	Config map[string]string
	State  models.ConnectorState
	Topics []string
}

// FakeController is an in-memory connect.Controller. State changes are immediate,
// so WaitForState never blocks.
type FakeController struct {
	mu sync.Mutex

	Connectors map[string]*FakeConnector

	// StateAfterCreate is the state a new connector reports (RUNNING when empty)
	StateAfterCreate models.ConnectorState
	// StateAfterRestart is the state a restarted connector reports (RUNNING when empty)
	StateAfterRestart models.ConnectorState
	// TopicsAfterCreate is reported by GetTopics for connectors created by the fake
	TopicsAfterCreate []string

	CreateErr  error
	StatusErr  error
	CommandErr map[string]error

	Created   []string
	Deleted   []string
	Restarted []string
	Resumed   []string
	Paused    []string
	Stopped   []string
}

// NewFakeController creates an empty controller
func NewFakeController() *FakeController {
	return &FakeController{
		Connectors: make(map[string]*FakeConnector),
		CommandErr: make(map[string]error),
	}
}

// Put installs a connector as if it already existed
func (f *FakeController) Put(name string, state models.ConnectorState, cfg map[string]string) *FakeConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &FakeConnector{Config: copyConfig(cfg), State: state}
	f.Connectors[name] = c
	return c
}

// Names returns the existing connector names in sorted order
func (f *FakeController) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.Connectors))
	for n := range f.Connectors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StateOf returns the state of a connector, or UNKNOWN when absent
func (f *FakeController) StateOf(name string) models.ConnectorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.Connectors[name]; ok {
		return c.State
	}
	return models.ConnectorUnknown
}

func copyConfig(cfg map[string]string) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

func orRunning(s models.ConnectorState) models.ConnectorState {
	if s == "" {
		return models.ConnectorRunning
	}
	return s
}

func (f *FakeController) CreateConnector(_ context.Context, name string, cfg map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	if _, ok := f.Connectors[name]; ok {
		return errors.Newf(errors.ErrorTypeConflict, "connector %s already exists", name)
	}
	f.Created = append(f.Created, name)
	f.Connectors[name] = &FakeConnector{
		Config: copyConfig(cfg),
		State:  orRunning(f.StateAfterCreate),
		Topics: append([]string(nil), f.TopicsAfterCreate...),
	}
	return nil
}

func (f *FakeController) GetStatus(_ context.Context, name string) (*connect.ConnectorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	c, ok := f.Connectors[name]
	if !ok {
		return nil, nil
	}
	return connect.NewStatus(name, c.State), nil
}

func (f *FakeController) GetConfig(_ context.Context, name string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Connectors[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connector %s not found", name)
	}
	return copyConfig(c.Config), nil
}

func (f *FakeController) command(op, name string, apply func(c *FakeConnector), log *[]string, allowMissing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.CommandErr[op]; err != nil {
		return err
	}
	c, ok := f.Connectors[name]
	if !ok {
		if allowMissing {
			return nil
		}
		return errors.Newf(errors.ErrorTypeNotFound, "connector %s not found", name)
	}
	*log = append(*log, name)
	if apply != nil {
		apply(c)
	}
	return nil
}

func (f *FakeController) DeleteConnector(_ context.Context, name string) error {
	err := f.command("delete", name, nil, &f.Deleted, true)
	if err == nil {
		f.mu.Lock()
		delete(f.Connectors, name)
		f.mu.Unlock()
	}
	return err
}

func (f *FakeController) RestartConnector(_ context.Context, name string) error {
	return f.command("restart", name, func(c *FakeConnector) {
		// Restart does not clear a paused or stopped target state
		if c.State == models.ConnectorPaused || c.State == models.ConnectorStopped {
			return
		}
		c.State = orRunning(f.StateAfterRestart)
	}, &f.Restarted, false)
}

func (f *FakeController) PauseConnector(_ context.Context, name string) error {
	return f.command("pause", name, func(c *FakeConnector) { c.State = models.ConnectorPaused }, &f.Paused, false)
}

func (f *FakeController) ResumeConnector(_ context.Context, name string) error {
	return f.command("resume", name, func(c *FakeConnector) { c.State = models.ConnectorRunning }, &f.Resumed, false)
}

func (f *FakeController) StopConnector(_ context.Context, name string) error {
	return f.command("stop", name, func(c *FakeConnector) { c.State = models.ConnectorStopped }, &f.Stopped, false)
}

func (f *FakeController) WaitForState(ctx context.Context, name string, target models.ConnectorState, _, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return f.StateOf(name) == target, nil
}

func (f *FakeController) GetTopics(_ context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Connectors[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connector %s not found", name)
	}
	return append([]string(nil), c.Topics...), nil
}

var _ connect.Controller = (*FakeController)(nil)
