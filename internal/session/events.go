package session

import (
	"time"

	"github.com/prochub/bridge/internal/device"
)

type eventKind int

const (
	evDeviceConnected eventKind = iota
	evDeviceConnectFailed
	evDeviceData
	evDeviceClosed
	evBrowserMessage
	evBrowserClosed
	evTimer
	evShutdown
)

// event is the unit of work of the dispatcher. Device events carry the
// generation of the socket that produced them; events from an older
// generation are ignored.
type event struct {
	kind  eventKind
	gen   uint64
	conn  *device.Conn
	data  []byte
	err   error
	timer timerKind
	seq   uint64
	reply chan error
}

type timerKind int

const (
	timerInit timerKind = iota
	timerReconnect
	timerResponse
	timerHandshake
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case timerInit:
		return "init"
	case timerReconnect:
		return "reconnect"
	case timerResponse:
		return "response"
	case timerHandshake:
		return "handshake"
	}
	return "unknown"
}

// timerSlot holds the armed timer of one kind. seq changes on every arm and
// disarm, so a firing that was already queued when its timer was replaced or
// stopped no longer matches and is dropped.
type timerSlot struct {
	t   *time.Timer
	seq uint64
}

func (s *Session) arm(kind timerKind, d time.Duration) {
	s.disarm(kind)
	slot := &s.timers[kind]
	seq := slot.seq
	slot.t = time.AfterFunc(d, func() {
		s.post(event{kind: evTimer, timer: kind, seq: seq})
	})
}

func (s *Session) disarm(kind timerKind) {
	slot := &s.timers[kind]
	if slot.t != nil {
		slot.t.Stop()
		slot.t = nil
	}
	slot.seq++
}

func (s *Session) disarmAll() {
	for k := timerKind(0); k < numTimers; k++ {
		s.disarm(k)
	}
}

// fired reports whether a timer event is current and consumes the slot.
func (s *Session) fired(kind timerKind, seq uint64) bool {
	if kind < 0 || kind >= numTimers {
		return false
	}
	slot := &s.timers[kind]
	if slot.t == nil || slot.seq != seq {
		return false
	}
	slot.t = nil
	return true
}
