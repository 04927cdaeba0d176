package node

import (
	"math"
	"sync"

	"github.com/temoto/lorawan-node/log2"
)

// Persister queues write of all dirty configuration.
// Best effort: errors are handled (logged) by implementation, never by caller.
type Persister interface {
	RequestPersist()
}

// NonceStore owns DevNonce counter inside DeviceConfig.
// Counter never decreases. Increment does no IO, Flush only issues request.
type NonceStore struct {
	log     *log2.Log
	config  *DeviceConfig
	storage Persister

	mu    sync.Mutex
	dirty bool
}

func NewNonceStore(log *log2.Log, config *DeviceConfig, storage Persister) *NonceStore {
	return &NonceStore{log: log, config: config, storage: storage}
}

func (self *NonceStore) Value() uint32 { return self.config.Snapshot().DevNonce }

func (self *NonceStore) Increment() uint32 {
	var next uint32
	exhausted := false
	self.config.Update(func(s *Settings) {
		if s.DevNonce == math.MaxUint32 {
			exhausted = true
		} else {
			s.DevNonce++
		}
		next = s.DevNonce
	})
	if exhausted {
		self.log.Errorf("CRITICAL dev_nonce space exhausted value=%d", next)
	}
	self.mu.Lock()
	self.dirty = true
	self.mu.Unlock()
	return next
}

// Bump is load-time pre-increment: last DevNonce from storage was already used by previous join.
func (self *NonceStore) Bump() uint32 {
	next := self.Increment()
	self.log.Infof("previous DevNonce from storage increased for new join dev_nonce=%d", next)
	return next
}

func (self *NonceStore) Dirty() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.dirty
}

func (self *NonceStore) Flush() {
	self.mu.Lock()
	self.dirty = false
	self.mu.Unlock()
	if self.storage == nil {
		self.log.Errorf("nonce flush dev_nonce=%d without storage, value will not survive restart", self.Value())
		return
	}
	self.log.Debugf("nonce flush dev_nonce=%d", self.Value())
	self.storage.RequestPersist()
}
