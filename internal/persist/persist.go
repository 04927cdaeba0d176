// Package persist binds BinaryMarshaler state to crash safe extremofile storage.
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/extremofile"
	"github.com/temoto/lorawan-node/log2"
)

// Stater UnmarshalBinary must ignore trailing zero padding after encoded value.
type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Binds State{Load,Store} to persistent storage
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
	// extremofile writes in place without truncate, record size must never decrease
	size int

	reqCh chan struct{}
}

func (p *Persist) Init(tag string, target Stater, root string, enabled bool, log *log2.Log) error {
	p.tag = tag
	p.log = log
	p.reqCh = make(chan struct{}, 1)
	if !enabled {
		p.log.Debugf("persist %s disabled", p.tag)
		return nil
	}
	if root == "" {
		return errors.Errorf("persist %s enabled but root=empty", p.tag)
	}
	if target == nil {
		panic("code error persist target nil")
	}
	p.target = target
	p.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return nil
}

func (p *Persist) Enabled() bool { return p.storage != nil }

// Load is called once at startup. Missing storage is not an error, target keeps values.
func (p *Persist) Load() error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	duration := time.Since(tbegin)
	p.log.Debugf("persist %s storage.read len=%d duration=%v", p.tag, len(b), duration)
	if b != nil {
		if err != nil {
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
		}
		p.size = len(b)
		err = p.target.UnmarshalBinary(b)
	}
	return errors.Annotatef(err, "persist %s Load", p.tag)
}

func (p *Persist) Store() error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		if len(b) < p.size {
			b = append(b, make([]byte, p.size-len(b))...)
		}
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		duration := time.Since(tbegin)
		p.log.Debugf("persist %s storage.write len=%d duration=%v", p.tag, len(b), duration)
		if err == nil || !extremofile.IsCritical(err) {
			// main copy is written
			p.size = len(b)
		}
	}
	return errors.Annotatef(err, "persist %s Store", p.tag)
}

// RequestPersist queues Store for Run worker and returns immediately.
// Requests made while previous is pending are merged.
func (p *Persist) RequestPersist() {
	if p.reqCh == nil {
		panic("code error persist must call .Init() first")
	}
	select {
	case p.reqCh <- struct{}{}:
	default:
	}
}

// Run serves RequestPersist until a is stopped, pending request is written before return.
// Caller must a.Add(1) before starting Run.
func (p *Persist) Run(a *alive.Alive) {
	defer a.Done()
	for {
		select {
		case <-p.reqCh:
			p.storeLog()
		case <-a.StopChan():
			select {
			case <-p.reqCh:
				p.storeLog()
			default:
			}
			return
		}
	}
}

func (p *Persist) storeLog() {
	if err := p.Store(); err != nil {
		p.log.Error(err)
	}
}
