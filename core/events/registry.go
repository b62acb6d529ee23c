package events

import (
	"fmt"
	"reflect"
	"sync"
)

// The registry maps every event type to the payload shape it was declared
// with. Emission validates against it so malformed payloads fail at the call
// site instead of inside some service loop.

var (
	registryMu sync.RWMutex
	registry   = map[Type]reflect.Type{}
)

// Register declares the payload type for an event type. Re-registering with a
// different payload shape panics: that is a wiring bug, not a runtime
// condition.
func Register[P any](eventType Type) Type {
	payloadType := reflect.TypeOf((*P)(nil)).Elem()

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[eventType]; ok && existing != payloadType {
		panic(fmt.Sprintf("event type %q already registered with payload %s, got %s", eventType, existing, payloadType))
	}
	registry[eventType] = payloadType
	return eventType
}

func Validate(eventType Type, data any) error {
	registryMu.RLock()
	payloadType, ok := registry[eventType]
	registryMu.RUnlock()

	if !ok {
		return fmt.Errorf("event type %q is not registered", eventType)
	}

	if payloadType == noPayloadType {
		if data != nil {
			return fmt.Errorf("event type %q takes no payload, got %T", eventType, data)
		}
		return nil
	}

	if data == nil {
		return fmt.Errorf("event type %q requires a %s payload, got nil", eventType, payloadType)
	}

	if dataType := reflect.TypeOf(data); dataType != payloadType {
		return fmt.Errorf("event type %q requires a %s payload, got %s", eventType, payloadType, dataType)
	}

	return nil
}

// None marks event types that carry no payload.
type None struct{}

var noPayloadType = reflect.TypeOf(None{})
