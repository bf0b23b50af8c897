package testsupport

import (
	"context"
	"errors"

	"github.com/temirov/cmupgrade/internal/scenegraph"
	"github.com/temirov/cmupgrade/internal/upgrade"
)

// ErrInjectedSave is returned by FailingHost for scopes configured to fail.
var ErrInjectedSave = errors.New("injected save failure")

// ExecutorCall records one upgrade request received by ExecutorStub.
type ExecutorCall struct {
	Operation string
	Scope     string
	Node      scenegraph.NodeID
	Options   upgrade.Options
}

// ExecutorStub captures upgrade requests for verification.
type ExecutorStub struct {
	Result       upgrade.Result
	Error        error
	Calls        []ExecutorCall
	Dependencies upgrade.ServiceDependencies
}

// Provider returns a service provider handing out the stub and remembering the dependencies.
func (executor *ExecutorStub) Provider() upgrade.ServiceProvider {
	return func(dependencies upgrade.ServiceDependencies) (upgrade.Executor, error) {
		executor.Dependencies = dependencies
		return executor, nil
	}
}

// MigrateNode records the request.
func (executor *ExecutorStub) MigrateNode(_ context.Context, scopeName string, nodeID scenegraph.NodeID) (upgrade.Result, error) {
	executor.Calls = append(executor.Calls, ExecutorCall{Operation: "node", Scope: scopeName, Node: nodeID})
	return executor.Result, executor.Error
}

// MigrateScope records the request.
func (executor *ExecutorStub) MigrateScope(_ context.Context, scopeName string) (upgrade.Result, error) {
	executor.Calls = append(executor.Calls, ExecutorCall{Operation: "scope", Scope: scopeName})
	return executor.Result, executor.Error
}

// MigrateAll records the request.
func (executor *ExecutorStub) MigrateAll(_ context.Context, options upgrade.Options) (upgrade.Result, error) {
	executor.Calls = append(executor.Calls, ExecutorCall{Operation: "all", Options: options})
	return executor.Result, executor.Error
}

// Scan records the request.
func (executor *ExecutorStub) Scan(context.Context) (upgrade.Result, error) {
	executor.Calls = append(executor.Calls, ExecutorCall{Operation: "scan"})
	return executor.Result, executor.Error
}

// FailingHost wraps a MemoryHost and fails saves of selected scopes.
type FailingHost struct {
	*scenegraph.MemoryHost
	FailSaves map[string]bool
}

// SaveScope fails for configured scopes and delegates otherwise.
func (host *FailingHost) SaveScope(executionContext context.Context, scope *scenegraph.Scope) error {
	if scope != nil && host.FailSaves[scope.Name] {
		return ErrInjectedSave
	}
	return host.MemoryHost.SaveScope(executionContext, scope)
}
