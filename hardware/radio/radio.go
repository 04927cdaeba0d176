// Package radio is the contract between node control loop and LoRaWAN MAC drivers.
// Drivers own the protocol stack, channel plan, duty cycle and per-attempt join timeout.
package radio

import (
	"context"
	"fmt"

	"github.com/brocaar/lorawan"
	"github.com/juju/errors"
)

// LoRaWAN 1.0.x application payload limit at lowest data rate in most regions.
const DefaultMaxPayload = 51

var (
	ErrNotReady   = errors.New("radio device not ready")
	ErrNotStarted = errors.New("radio stack not started")
)

type SendMode uint8

const (
	Unconfirmed SendMode = iota
	Confirmed
)

func (m SendMode) String() string {
	switch m {
	case Unconfirmed:
		return "unconfirmed"
	case Confirmed:
		return "confirmed"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// JoinRequest carries raw OTAA parameters, already decoded from configuration hex.
// NwkKey equals AppKey for LoRaWAN 1.0.x networks.
type JoinRequest struct {
	DevEUI   lorawan.EUI64
	JoinEUI  lorawan.EUI64
	AppKey   lorawan.AES128Key
	NwkKey   lorawan.AES128Key
	DevNonce uint32
}

type Downlink struct {
	Port    uint8
	Pending bool // network has more data queued
	RSSI    int16
	SNR     int8
	Payload []byte
}

// Datarate index DR_n as assigned by network ADR.
type Datarate uint8

// Observers are called from driver goroutine, must not block.
type DownlinkObserver interface {
	OnDownlink(Downlink)
}
type DatarateObserver interface {
	OnDatarate(Datarate)
}

type Radio interface {
	// Start checks device readiness and starts MAC stack.
	// Error is fatal for the node, wraps ErrNotReady when device did not respond.
	Start(ctx context.Context) error
	// Join performs one OTAA attempt. Use IsTimeout to classify failure.
	Join(ctx context.Context, req JoinRequest) error
	Send(ctx context.Context, port uint8, payload []byte, mode SendMode) error
	// PayloadSizes returns max payload for next frame (MAC commands pending) and in general at current datarate.
	PayloadSizes() (next, max int)
	SetDownlinkObserver(DownlinkObserver)
	SetDatarateObserver(DatarateObserver)
	Close() error
}

type Timeouter interface {
	Timeout() bool
}

// JoinError is join failure reported by MAC stack. Code is driver specific.
type JoinError struct {
	Code    int
	Reason  string
	timeout bool
}

func NewJoinError(code int, reason string, timeout bool) *JoinError {
	return &JoinError{Code: code, Reason: reason, timeout: timeout}
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join failed code=%d reason=%s", e.Code, e.Reason)
}
func (e *JoinError) Timeout() bool { return e.timeout }

var ErrJoinTimeout = NewJoinError(-110, "timeout", true) // -ETIMEDOUT

// IsTimeout reports whether err is timeout class, annotations are unwrapped.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range []error{err, errors.Cause(err)} {
		if t, ok := e.(Timeouter); ok && t.Timeout() {
			return true
		}
	}
	return err == context.DeadlineExceeded || errors.Cause(err) == context.DeadlineExceeded
}

// SendError is uplink failure, never fatal.
type SendError struct {
	Code   int
	Reason string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed code=%d reason=%s", e.Code, e.Reason)
}
