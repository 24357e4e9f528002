package stream

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that iteration during fan-out
// never races an add or remove
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// returns a remove function that is safe to call multiple times
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// already removed
		return
	}
	self.callbackIds = slices.Delete(self.callbackIds, i, i+1)
	delete(self.callbacks, callbackId)
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbackIds)
}

// a cancellable delayed action. Replaces paired timer set/clear calls so
// that rearm and cancel cannot leave a stale timer behind.
type delayedAction struct {
	timer *time.Timer
}

func scheduleAction(timeout time.Duration, action func()) *delayedAction {
	return &delayedAction{
		timer: time.AfterFunc(timeout, action),
	}
}

func (self *delayedAction) Cancel() {
	if self != nil {
		self.timer.Stop()
	}
}
