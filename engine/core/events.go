package core

import "sync"

// EventContext is the payload broadcast with every resource event.
type EventContext struct {
	Code EventCode
	// Type is the numeric resource type tag, TypeName its registered name.
	Type     uint16
	TypeName string
	// Key is the canonical resource key.
	Key string
	// Generation of the resource content at the time the event was fired.
	Generation uint32
	// QualityLevelsLoaded at the time the event was fired.
	QualityLevelsLoaded uint8
}

// Resource lifecycle event codes. Application should use codes beyond 255.
type EventCode int

const (
	// A resource object was created in the registry (state Unloaded).
	EVENT_CODE_RESOURCE_CREATED EventCode = 0x01

	// A data-load task for the resource was dispatched.
	EVENT_CODE_LOADING_STARTED EventCode = 0x02

	// The load pipeline for the resource finished, successfully or not.
	EVENT_CODE_LOADING_FINISHED EventCode = 0x03

	// New content was installed (load, quality change, reload).
	EVENT_CODE_CONTENT_UPDATED EventCode = 0x04

	// The resource was destroyed and removed from the registry.
	EVENT_CODE_RESOURCE_REMOVED EventCode = 0x05

	// The type loader or content parser failed; the resource is now missing.
	EVENT_CODE_RESOURCE_MISSING EventCode = 0x06

	MAX_EVENT_CODE EventCode = 0xFF
)

// This should be more than enough codes...
const MAX_MESSAGE_CODES = 16384

// Should return true if handled. A handled event is not passed on to further listeners.
type FnOnEvent func(context EventContext, listener interface{}) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

type eventCodeEntry struct {
	events []*registeredEvent
}

// EventSystem dispatches EventContext values to registered listeners.
// It is safe for concurrent use; callbacks are invoked without holding the
// system lock so they may register or fire events themselves.
type EventSystem struct {
	mu         sync.RWMutex
	registered map[EventCode]*eventCodeEntry
}

func NewEventSystem() *EventSystem {
	return &EventSystem{
		registered: make(map[EventCode]*eventCodeEntry),
	}
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listener combos will not be registered again and will cause this to return FALSE.
 * @param code The event code to listen for.
 * @param listener A listener instance. Can be nil, which makes it unique per code.
 * @param onEvent The callback to be invoked when the event code is fired.
 * @returns TRUE if the event is successfully registered; otherwise false.
 */
func (es *EventSystem) Register(code EventCode, listener interface{}, onEvent FnOnEvent) bool {
	if code < 0 || code >= MAX_MESSAGE_CODES || onEvent == nil {
		return false
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	entry, ok := es.registered[code]
	if !ok {
		entry = &eventCodeEntry{}
		es.registered[code] = entry
	}
	for _, e := range entry.events {
		if e.listener == listener {
			LogWarn("event listener already registered for code %d", code)
			return false
		}
	}
	entry.events = append(entry.events, &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

/**
 * Unregister from listening for when events are sent with the provided code. If no matching
 * registration is found, this function returns FALSE.
 */
func (es *EventSystem) Unregister(code EventCode, listener interface{}) bool {
	es.mu.Lock()
	defer es.mu.Unlock()

	entry, ok := es.registered[code]
	if !ok || len(entry.events) == 0 {
		return false
	}
	for i, e := range entry.events {
		if e.listener == listener {
			entry.events = append(entry.events[:i], entry.events[i+1:]...)
			return true
		}
	}
	return false
}

/**
 * Fires an event to listeners of the context code. If an event handler returns
 * TRUE, the event is considered handled and is not passed on to any more listeners.
 * @returns TRUE if handled, otherwise FALSE.
 */
func (es *EventSystem) Fire(context EventContext) bool {
	es.mu.RLock()
	entry, ok := es.registered[context.Code]
	if !ok || len(entry.events) == 0 {
		es.mu.RUnlock()
		return false
	}
	events := make([]*registeredEvent, len(entry.events))
	copy(events, entry.events)
	es.mu.RUnlock()

	for _, e := range events {
		if e.callback(context, e.listener) {
			return true
		}
	}
	return false
}

// Shutdown drops every registration.
func (es *EventSystem) Shutdown() error {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.registered = make(map[EventCode]*eventCodeEntry)
	return nil
}
