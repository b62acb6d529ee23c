package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Runtime owns a set of plugins composed at construction time. The plugin
// graph is static: interceptors are resolved against declared dependencies
// once, and no plugins can be added after NewRuntime returns.
type Runtime struct {
	plugins []*Plugin
	byName  map[string]*Plugin

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewRuntime validates the plugin configurations and wires interceptors onto
// the plugins they target. Dependency declarations must name plugins present
// in the same composition, and interceptors may only target declared
// dependencies.
func NewRuntime(configs ...PluginConfig) (*Runtime, error) {
	runtime := &Runtime{byName: map[string]*Plugin{}}

	for _, config := range configs {
		if config.Name == "" {
			return nil, errors.New("plugin name must not be empty")
		}
		if _, ok := runtime.byName[config.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, config.Name)
		}

		plugin := newPlugin(config)
		for _, service := range config.Services {
			plugin.services = append(plugin.services, newServiceRunner(service))
		}
		runtime.plugins = append(runtime.plugins, plugin)
		runtime.byName[config.Name] = plugin
	}

	for _, plugin := range runtime.plugins {
		dependencies := map[string]bool{}
		for _, name := range plugin.config.DependsOn {
			if _, ok := runtime.byName[name]; !ok {
				return nil, fmt.Errorf("%w: plugin %q depends on %q", ErrMissingDepends, plugin.name, name)
			}
			dependencies[name] = true
		}

		for _, interceptor := range plugin.config.Interceptors {
			if interceptor.Intercept == nil {
				return nil, fmt.Errorf("plugin %q: interceptor on %q has no handler", plugin.name, interceptor.Plugin)
			}
			if !dependencies[interceptor.Plugin] {
				return nil, fmt.Errorf("plugin %q: interceptor targets %q which is not a declared dependency", plugin.name, interceptor.Plugin)
			}
			target := runtime.byName[interceptor.Plugin]
			target.interceptors = append(target.interceptors, boundInterceptor{
				owner:     plugin.name,
				eventType: interceptor.Type,
				intercept: interceptor.Intercept,
			})
		}
	}

	return runtime, nil
}

// Plugin looks up a running plugin by name, for emitting events at it from
// outside the composition.
func (r *Runtime) Plugin(name string) (*Plugin, error) {
	plugin, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	return plugin, nil
}

// Start launches every plugin's main loop and services, then runs the OnStart
// hooks. It is safe to call once; subsequent calls are no-ops.
func (r *Runtime) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)

		for _, plugin := range r.plugins {
			plugin.start(ctx)
		}
		for _, plugin := range r.plugins {
			if plugin.config.OnStart == nil {
				continue
			}
			if err := plugin.config.OnStart(plugin); err != nil {
				startErr = fmt.Errorf("plugin %q failed to start: %w", plugin.name, err)
				return
			}
		}
	})
	if startErr != nil {
		r.Close()
	}
	return startErr
}

// Close drains every plugin queue, runs OnStop hooks, and stops services. It
// blocks until all main loops and services have exited. OnStop runs between
// the main loops draining and the services being awaited, so a hook can close
// a resource a service is still consuming.
func (r *Runtime) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		for _, plugin := range r.plugins {
			plugin.stop()
		}
		for _, plugin := range r.plugins {
			plugin.awaitLoop()
		}
		for _, plugin := range r.plugins {
			if plugin.config.OnStop == nil {
				continue
			}
			if err := plugin.config.OnStop(plugin); err != nil {
				errs = append(errs, fmt.Errorf("plugin %q failed to stop: %w", plugin.name, err))
			}
		}
		if r.cancel != nil {
			r.cancel()
		}
		for _, plugin := range r.plugins {
			plugin.awaitServices()
		}
	})
	return errors.Join(errs...)
}
