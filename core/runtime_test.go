package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/aria-core/core/eventqueue"
	"github.com/koscakluka/aria-core/core/events"
)

type testPayload struct {
	Value string
}

var (
	testEventPing    = events.Register[testPayload]("test.ping")
	testEventPong    = events.Register[events.None]("test.pong")
	testEventMutable = events.Register[*testPayload]("test.mutable")
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(event events.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event{}, r.events...)
}

func (r *eventRecorder) await(t *testing.T, count int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recorded := r.snapshot(); len(recorded) >= count {
			return recorded
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", count, len(r.snapshot()))
	return nil
}

func startRuntime(t *testing.T, configs ...PluginConfig) *Runtime {
	t.Helper()
	runtime, err := NewRuntime(configs...)
	if err != nil {
		t.Fatalf("expected runtime to compose, got %v", err)
	}
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("expected runtime to start, got %v", err)
	}
	t.Cleanup(func() { runtime.Close() })
	return runtime
}

func TestNewRuntimeRejectsDuplicateNames(t *testing.T) {
	_, err := NewRuntime(PluginConfig{Name: "a"}, PluginConfig{Name: "a"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestNewRuntimeRejectsUnknownDependency(t *testing.T) {
	_, err := NewRuntime(PluginConfig{Name: "a", DependsOn: []string{"missing"}})
	if !errors.Is(err, ErrMissingDepends) {
		t.Fatalf("expected ErrMissingDepends, got %v", err)
	}
}

func TestNewRuntimeRejectsInterceptorOnUndeclaredDependency(t *testing.T) {
	_, err := NewRuntime(
		PluginConfig{Name: "target"},
		PluginConfig{
			Name: "watcher",
			Interceptors: []Interceptor{{
				Plugin:    "target",
				Intercept: func(events.Event, *Interception) {},
			}},
		},
	)
	if err == nil || !strings.Contains(err.Error(), "not a declared dependency") {
		t.Fatalf("expected undeclared dependency error, got %v", err)
	}
}

func TestEffectsRunInDeclarationOrder(t *testing.T) {
	order := eventRecorder{}
	runtime := startRuntime(t, PluginConfig{
		Name: "plugin",
		Effects: []Effect{
			{Type: testEventPing, Handle: func(_ Mutable, event events.Event) error {
				order.record(events.Event{ID: "first", Type: event.Type})
				return nil
			}},
			{Type: testEventPing, Handle: func(_ Mutable, event events.Event) error {
				order.record(events.Event{ID: "second", Type: event.Type})
				return nil
			}},
		},
	})

	plugin, _ := runtime.Plugin("plugin")
	if _, err := plugin.Emit(testEventPing, testPayload{Value: "hi"}); err != nil {
		t.Fatalf("expected emit to succeed, got %v", err)
	}

	recorded := order.await(t, 2)
	if recorded[0].ID != "first" || recorded[1].ID != "second" {
		t.Fatalf("expected effects in declaration order, got %v then %v", recorded[0].ID, recorded[1].ID)
	}
}

func TestEmitRejectsUnregisteredAndMalformedPayloads(t *testing.T) {
	runtime := startRuntime(t, PluginConfig{Name: "plugin"})
	plugin, _ := runtime.Plugin("plugin")

	if _, err := plugin.Emit("test.never-registered", nil); err == nil {
		t.Fatalf("expected unregistered event type to be rejected")
	}
	if _, err := plugin.Emit(testEventPing, 42); err == nil {
		t.Fatalf("expected mismatched payload to be rejected")
	}
	if _, err := plugin.Emit(testEventPong, testPayload{}); err == nil {
		t.Fatalf("expected payload on a payloadless event to be rejected")
	}
	if _, err := plugin.Emit(testEventPong, nil); err != nil {
		t.Fatalf("expected payloadless emit to succeed, got %v", err)
	}
}

func TestEffectFailureDoesNotStopSubsequentEffects(t *testing.T) {
	recorder := eventRecorder{}
	failures := eventRecorder{}
	runtime := startRuntime(t, PluginConfig{
		Name: "plugin",
		Effects: []Effect{
			{Type: testEventPing, Handle: func(Mutable, events.Event) error {
				return errors.New("boom")
			}},
			{Type: testEventPing, Handle: func(Mutable, events.Event) error {
				panic("worse boom")
			}},
			{Type: testEventPing, Handle: func(_ Mutable, event events.Event) error {
				recorder.record(event)
				return nil
			}},
		},
		OnError: func(err error) {
			failures.record(events.Event{ID: err.Error()})
		},
	})

	plugin, _ := runtime.Plugin("plugin")
	plugin.Emit(testEventPing, testPayload{})

	recorder.await(t, 1)
	recordedFailures := failures.await(t, 2)
	if !strings.Contains(recordedFailures[0].ID, "boom") {
		t.Fatalf("expected the effect error to reach OnError, got %q", recordedFailures[0].ID)
	}
	if !strings.Contains(recordedFailures[1].ID, "panicked") {
		t.Fatalf("expected the panic to reach OnError, got %q", recordedFailures[1].ID)
	}
}

func TestInterceptorDropHidesEventFromEffects(t *testing.T) {
	recorder := eventRecorder{}
	runtime := startRuntime(t,
		PluginConfig{
			Name: "target",
			Effects: []Effect{{Type: testEventPing, Handle: func(_ Mutable, event events.Event) error {
				recorder.record(event)
				return nil
			}}},
		},
		PluginConfig{
			Name:      "watcher",
			DependsOn: []string{"target"},
			Interceptors: []Interceptor{{
				Plugin: "target",
				Type:   testEventPing,
				Intercept: func(event events.Event, interception *Interception) {
					if event.Data.(testPayload).Value == "drop me" {
						interception.Drop("not wanted")
					}
				},
			}},
		},
	)

	target, _ := runtime.Plugin("target")
	target.Emit(testEventPing, testPayload{Value: "drop me"})
	target.Emit(testEventPing, testPayload{Value: "keep me"})

	recorded := recorder.await(t, 1)
	time.Sleep(50 * time.Millisecond)
	recorded = recorder.snapshot()
	if len(recorded) != 1 {
		t.Fatalf("expected exactly one delivered event, got %d", len(recorded))
	}
	if recorded[0].Data.(testPayload).Value != "keep me" {
		t.Fatalf("expected the kept event, got %v", recorded[0].Data)
	}
}

func TestInterceptorReplacementKeepsEventID(t *testing.T) {
	recorder := eventRecorder{}
	runtime := startRuntime(t,
		PluginConfig{
			Name: "target",
			Effects: []Effect{{Handle: func(_ Mutable, event events.Event) error {
				recorder.record(event)
				return nil
			}}},
		},
		PluginConfig{
			Name:      "watcher",
			DependsOn: []string{"target"},
			Interceptors: []Interceptor{{
				Plugin: "target",
				Type:   testEventPing,
				Intercept: func(event events.Event, interception *Interception) {
					interception.Next(events.New(testEventPing, testPayload{Value: "replaced"}))
				},
			}},
		},
	)

	target, _ := runtime.Plugin("target")
	originalID, err := target.Emit(testEventPing, testPayload{Value: "original"})
	if err != nil {
		t.Fatalf("expected emit to succeed, got %v", err)
	}

	recorded := recorder.await(t, 1)
	if recorded[0].Data.(testPayload).Value != "replaced" {
		t.Fatalf("expected the replacement payload, got %v", recorded[0].Data)
	}
	if recorded[0].ID != originalID {
		t.Fatalf("expected the replacement to keep the original event id %q, got %q", originalID, recorded[0].ID)
	}
}

func TestServiceFanOutGetsIsolatedPayloadCopies(t *testing.T) {
	seen := make(chan string, 2)
	service := func(name string) Service {
		return Service{
			Name: name,
			Run: func(_ context.Context, feed *eventqueue.Queue[events.Event], _ *Plugin) error {
				for event := range feed.Items {
					payload := event.Data.(*testPayload)
					seen <- payload.Value
					payload.Value = "mutated by " + name
				}
				return nil
			},
		}
	}
	runtime := startRuntime(t, PluginConfig{
		Name:     "plugin",
		Services: []Service{service("one"), service("two")},
	})

	plugin, _ := runtime.Plugin("plugin")
	plugin.Emit(testEventMutable, &testPayload{Value: "pristine"})

	for range 2 {
		select {
		case value := <-seen:
			if value != "pristine" {
				t.Fatalf("expected each service to see an unmutated copy, got %q", value)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for service deliveries")
		}
	}
}

func TestEmitAfterCloseReturnsErrPluginClosed(t *testing.T) {
	runtime, err := NewRuntime(PluginConfig{Name: "plugin"})
	if err != nil {
		t.Fatalf("expected runtime to compose, got %v", err)
	}
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("expected runtime to start, got %v", err)
	}
	runtime.Close()

	plugin, _ := runtime.Plugin("plugin")
	if _, err := plugin.Emit(testEventPong, nil); !errors.Is(err, ErrPluginClosed) {
		t.Fatalf("expected ErrPluginClosed, got %v", err)
	}
}

func TestCloseDrainsQueuedEventsBeforeReturning(t *testing.T) {
	recorder := eventRecorder{}
	runtime, err := NewRuntime(PluginConfig{
		Name: "plugin",
		Effects: []Effect{{Type: testEventPing, Handle: func(_ Mutable, event events.Event) error {
			recorder.record(event)
			return nil
		}}},
	})
	if err != nil {
		t.Fatalf("expected runtime to compose, got %v", err)
	}
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("expected runtime to start, got %v", err)
	}

	plugin, _ := runtime.Plugin("plugin")
	for range 10 {
		plugin.Emit(testEventPing, testPayload{})
	}
	runtime.Close()

	if got := len(recorder.snapshot()); got != 10 {
		t.Fatalf("expected all 10 queued events processed before close returned, got %d", got)
	}
}

func TestCloseReleasesServicesDrainingAnOnStopOwnedQueue(t *testing.T) {
	// Mirrors the orchestrator's shape: the service consumes a queue that only
	// the stop hook closes, so the hook has to run before services are awaited.
	jobs := eventqueue.New[int]()
	runtime := startRuntime(t, PluginConfig{
		Name: "worker",
		Services: []Service{{Name: "job consumer", Run: func(context.Context, *eventqueue.Queue[events.Event], *Plugin) error {
			for range jobs.Items {
			}
			return nil
		}}},
		OnStop: func(*Plugin) error {
			jobs.Close()
			return nil
		},
	})

	done := make(chan struct{})
	go func() {
		runtime.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected close to return once the stop hook released the service")
	}
}
