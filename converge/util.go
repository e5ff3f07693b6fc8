package converge

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// notify-all event useful to wake up waiters on state changes.
// waiters take the current `NotifyChannel` before reading state,
// then select on it to observe the next change.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on get so callbacks can be
// added and removed during dispatch
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		nextId:      0,
		callbackIds: []int{},
		callbacks:   map[int]T{},
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

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, currentCallbackId := range self.callbackIds {
		if callbackId == currentCallbackId {
			self.callbackIds = append(self.callbackIds[:i], self.callbackIds[i+1:]...)
			break
		}
	}
	delete(self.callbacks, callbackId)
}

// note all callbacks are wrapped to recover from errors
// so that one misbehaving subscriber cannot take down dispatch
func HandleError(do func(), handlers ...func(error)) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			glog.Warningf("[recover]unexpected error = %s\n", err)
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
}
