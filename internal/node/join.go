package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/helpers"
	"github.com/temoto/lorawan-node/log2"
)

type JoinState uint8

const (
	NotJoined JoinState = iota
	Joined
)

func (s JoinState) String() string {
	switch s {
	case NotJoined:
		return "not-joined"
	case Joined:
		return "joined"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// JoinSession is transient join progress, lives for process lifetime.
type JoinSession struct {
	State       JoinState
	Attempt     int           // failed attempts so far
	Wait        time.Duration // last backoff base, without jitter
	NonceBumped bool          // timeout recovery already used
	JoinedAt    time.Time
}

type Joiner interface {
	Join(ctx context.Context, req radio.JoinRequest) error
}

// JoinController drives OTAA join attempts until success.
// Joined is terminal: after it no join attempts are made for process lifetime.
// Single goroutine calls Run/Step; Session and State are safe from other goroutines.
type JoinController struct {
	log     *log2.Log
	radio   Joiner
	config  *DeviceConfig
	nonce   *NonceStore
	backoff *helpers.Backoff
	sleep   helpers.SleepFunc

	mu      sync.Mutex
	session JoinSession
}

func NewJoinController(log *log2.Log, r Joiner, config *DeviceConfig, nonce *NonceStore, backoff *helpers.Backoff, sleep helpers.SleepFunc) *JoinController {
	if backoff == nil {
		backoff = &helpers.Backoff{}
	}
	if sleep == nil {
		sleep = helpers.Sleep
	}
	return &JoinController{
		log:     log,
		radio:   r,
		config:  config,
		nonce:   nonce,
		backoff: backoff,
		sleep:   sleep,
		session: JoinSession{State: NotJoined, Wait: backoff.Base(0)},
	}
}

func (self *JoinController) Session() JoinSession {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.session
}

func (self *JoinController) State() JoinState { return self.Session().State }

// Run blocks until joined. Returns only ctx error, join failures are retried forever.
func (self *JoinController) Run(ctx context.Context) error {
	for {
		joined, _ := self.Step(ctx)
		if joined {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Step makes one join attempt, on failure also waits backoff delay.
// Returns join error (already logged) or ctx error from interrupted wait.
func (self *JoinController) Step(ctx context.Context) (bool, error) {
	s := self.Session()
	if s.State == Joined {
		return true, nil
	}

	req, err := self.config.JoinRequest()
	if err != nil {
		err = errors.Annotate(err, "join credentials")
	} else {
		req.DevNonce = self.nonce.Value()
		self.log.Infof("joining network over OTAA attempt=%d dev_nonce=%d", s.Attempt, req.DevNonce)
		err = self.radio.Join(ctx, req)
	}
	if err == nil {
		// store used DevNonce for next join
		self.nonce.Flush()
		s.State = Joined
		s.JoinedAt = time.Now()
		self.store(s)
		self.log.Infof("joined network attempts=%d dev_nonce=%d", s.Attempt+1, req.DevNonce)
		return true, nil
	}

	self.log.Errorf("join failed attempt=%d err=%v", s.Attempt, err)
	if radio.IsTimeout(err) && !s.NonceBumped {
		// maybe previous DevNonce was accepted by network and only JoinAccept was lost
		next := self.nonce.Increment()
		s.NonceBumped = true
		self.log.Infof("increasing DevNonce for next join dev_nonce=%d", next)
	}
	var delay time.Duration
	s.Wait, delay = self.backoff.Next(s.Wait, s.Attempt)
	s.Attempt++
	self.store(s)

	self.log.Infof("waiting approx. %v before rejoin attempt=%d", delay, s.Attempt)
	if serr := self.sleep(ctx, delay); serr != nil {
		return false, serr
	}
	return false, err
}

func (self *JoinController) store(s JoinSession) {
	self.mu.Lock()
	self.session = s
	self.mu.Unlock()
}
