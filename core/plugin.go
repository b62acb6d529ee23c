package orchestration

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/aria-core/core/eventqueue"
	"github.com/koscakluka/aria-core/core/events"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrPluginClosed   = errors.New("plugin is closed")
	ErrUnknownPlugin  = errors.New("unknown plugin")
	ErrDuplicateName  = errors.New("duplicate plugin name")
	ErrMissingDepends = errors.New("missing plugin dependency")
)

// EffectFunc is a synchronous, context-mutating reaction to one event. It
// runs on the owning plugin's main loop.
type EffectFunc func(state Mutable, event events.Event) error

type Effect struct {
	// Type filters which events the effect sees; empty means every event.
	Type   events.Type
	Handle EffectFunc
}

// ServiceFunc is a long-running concurrent task consuming a private event
// feed. It must not mutate plugin context directly; it reacts by emitting
// events back at its plugin.
type ServiceFunc func(ctx context.Context, feed *eventqueue.Queue[events.Event], plugin *Plugin) error

type Service struct {
	Name string
	Run  ServiceFunc
}

// Interception is the control surface an interceptor uses to drop or replace
// the event before the dependency's own effects run.
type Interception struct {
	dropped     bool
	dropReason  string
	replacement *events.Event
}

// Drop short-circuits processing of this event: effects and services of the
// intercepted plugin never see it.
func (i *Interception) Drop(reason string) {
	i.dropped = true
	i.dropReason = reason
}

// Next substitutes the event for all subsequent interceptors and effects.
func (i *Interception) Next(replacement events.Event) {
	i.replacement = &replacement
}

type InterceptorFunc func(event events.Event, interception *Interception)

// Interceptor registers a hook on another plugin's event stream. Plugin names
// the dependency whose events are intercepted; it must appear in DependsOn.
type Interceptor struct {
	Plugin    string
	Type      events.Type
	Intercept InterceptorFunc
}

type PluginConfig struct {
	Name         string
	DependsOn    []string
	InitialState State

	Effects      []Effect
	Services     []Service
	Interceptors []Interceptor

	OnStart func(plugin *Plugin) error
	OnStop  func(plugin *Plugin) error
	// OnError receives effect and service failures. Errors never cross plugin
	// boundaries implicitly.
	OnError func(err error)
}

type boundInterceptor struct {
	owner     string
	eventType events.Type
	intercept InterceptorFunc
}

// Plugin is one running plugin instance: an event queue, a main loop running
// interceptors and effects in order, and a set of independently scheduled
// service tasks fed per-service event copies.
type Plugin struct {
	name    string
	config  PluginConfig
	context *Context

	queue *eventqueue.Queue[events.Event]

	// interceptors are the hooks dependent plugins registered on this
	// plugin, assembled once at composition time.
	interceptors []boundInterceptor

	services []*serviceRunner

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func newPlugin(config PluginConfig) *Plugin {
	return &Plugin{
		name:    config.Name,
		config:  config,
		context: newContext(config.InitialState),
		queue:   eventqueue.New[events.Event](),
		done:    make(chan struct{}),
	}
}

func (p *Plugin) Name() string { return p.name }

// Context returns the plugin's shared state for snapshot reads and change
// observation.
func (p *Plugin) Context() *Context { return p.context }

// Emit validates the event payload, assigns an id, and enqueues it: front of
// the queue when urgent, back otherwise. It returns the assigned id
// synchronously so callers can correlate later responses.
func (p *Plugin) Emit(eventType events.Type, data any, opts ...EmitOption) (string, error) {
	options := emitOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if err := events.Validate(eventType, data); err != nil {
		return "", fmt.Errorf("invalid %q event: %w", eventType, err)
	}

	event := events.New(eventType, data)
	if options.urgent {
		event.Urgent = true
		if err := p.queue.PushUrgent(event); err != nil {
			return "", fmt.Errorf("%w: %s", ErrPluginClosed, p.name)
		}
		return event.ID, nil
	}

	if err := p.queue.Push(event); err != nil {
		return "", fmt.Errorf("%w: %s", ErrPluginClosed, p.name)
	}
	return event.ID, nil
}

type emitOptions struct {
	urgent bool
}

type EmitOption func(*emitOptions)

func WithUrgent() EmitOption {
	return func(o *emitOptions) { o.urgent = true }
}

// QueueBusy reports whether events are still waiting on the plugin's queue.
func (p *Plugin) QueueBusy() bool {
	return p.queue.Len() > 0
}

func (p *Plugin) start(ctx context.Context) (started bool) {
	p.startOnce.Do(func() {
		started = true

		for _, service := range p.services {
			service.start(ctx, p)
		}

		go func() {
			defer close(p.done)
			for event := range p.queue.Items {
				p.process(ctx, event)
			}
		}()
	})
	return started
}

func (p *Plugin) stop() {
	p.stopOnce.Do(func() {
		p.queue.Close()
		for _, service := range p.services {
			service.stop()
		}
	})
}

func (p *Plugin) awaitLoop() {
	<-p.done
}

func (p *Plugin) awaitServices() {
	for _, service := range p.services {
		service.awaitDone()
	}
}

func (p *Plugin) process(ctx context.Context, event events.Event) {
	ctx, span := tracer.Start(ctx, "process event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", string(event.Type)),
		attribute.Bool("event.urgent", event.Urgent),
		attribute.String("plugin.name", p.name),
	)

	interception := Interception{}
	for _, interceptor := range p.interceptors {
		if interceptor.eventType != "" && interceptor.eventType != event.Type {
			continue
		}

		p.guarded(fmt.Sprintf("interceptor from %q", interceptor.owner), func() error {
			interceptor.intercept(event, &interception)
			return nil
		})

		if interception.dropped {
			span.SetAttributes(attribute.String("event.dropped_by", interceptor.owner))
			span.SetAttributes(attribute.String("event.drop_reason", interception.dropReason))
			return
		}
		if interception.replacement != nil {
			replacement := *interception.replacement
			replacement.ID = event.ID
			event = replacement
			interception.replacement = nil
			span.SetAttributes(attribute.String("event.replaced_type", string(event.Type)))
		}
	}

	for _, effect := range p.config.Effects {
		if effect.Type != "" && effect.Type != event.Type {
			continue
		}
		p.guarded(fmt.Sprintf("effect on %q", event.Type), func() error {
			return effect.Handle(Mutable{p.context}, event)
		})
	}

	for _, service := range p.services {
		service.feed.Push(cloneEvent(event))
	}
}

// guarded runs one handler with the runtime's failure policy: errors and
// panics are logged and routed to the plugin's OnError hook, processing of
// subsequent events continues.
func (p *Plugin) guarded(name string, run func() error) {
	err := func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s panicked: %v", name, recovered)
			}
		}()
		return run()
	}()
	if err == nil {
		return
	}

	err = fmt.Errorf("plugin %q: %s failed: %w", p.name, name, err)
	logger.Error(err.Error())
	if p.config.OnError != nil {
		p.config.OnError(err)
	}
}

// cloneEvent deep-copies the payload so no service can observe another
// service's mutations of shared event data.
func cloneEvent(event events.Event) events.Event {
	if event.Data == nil {
		return event
	}

	value := reflect.ValueOf(event.Data)
	isPointer := value.Kind() == reflect.Pointer
	if isPointer {
		if value.IsNil() {
			return event
		}
		value = value.Elem()
	}

	target := reflect.New(value.Type())
	if err := copier.CopyWithOption(target.Interface(), value.Interface(), copier.Option{DeepCopy: true}); err != nil {
		logger.Warn("failed to clone event payload for service fan-out", "event.type", string(event.Type), "error", err)
		return event
	}

	clone := event
	if isPointer {
		clone.Data = target.Interface()
	} else {
		clone.Data = target.Elem().Interface()
	}
	return clone
}

type serviceRunner struct {
	name string
	run  ServiceFunc
	feed *eventqueue.Queue[events.Event]

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func newServiceRunner(service Service) *serviceRunner {
	return &serviceRunner{
		name: service.Name,
		run:  service.Run,
		feed: eventqueue.New[events.Event](),
		done: make(chan struct{}),
	}
}

func (s *serviceRunner) start(ctx context.Context, plugin *Plugin) {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.done)
			plugin.guarded(fmt.Sprintf("service %q", s.name), func() error {
				return s.run(ctx, s.feed, plugin)
			})
		}()
	})
}

func (s *serviceRunner) stop() {
	s.stopOnce.Do(func() { s.feed.Close() })
}

func (s *serviceRunner) awaitDone() {
	<-s.done
}
