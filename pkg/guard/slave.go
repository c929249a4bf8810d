// Package guard implements CiA 301 Node Guarding, an RTR-based liveness
// check that predates and can substitute for the Heartbeat protocol.
package guard

import (
	"log/slog"
	"sync"

	canopen "github.com/samsamfire/gocanopen"
	"github.com/samsamfire/gocanopen/pkg/emergency"
	"github.com/samsamfire/gocanopen/pkg/od"
)

// ServiceId is the base COB-ID for node guarding, shared with Heartbeat (0x700 + nodeId).
const ServiceId = 0x700

// Slave replies to remote-transmit requests from a guarding master with its
// NMT state and an alternating toggle bit, and raises the shared heartbeat
// consumer emergency if no RTR is received within the configured life time.
type Slave struct {
	*canopen.BusManager
	mu            sync.Mutex
	logger        *slog.Logger
	emcy          *emergency.EMCY
	nodeId        uint8
	guardTimeUs   uint32
	lifeTimeUs    uint32
	lifeTimer     uint32
	lifeTimeOut   bool
	toggle        bool
	rxNew         bool
	txBuffer      canopen.Frame
	disabled      bool
}

var _ canopen.FrameListener = (*Slave)(nil)

// Handle implements [canopen.FrameListener] for the RTR subscription.
func (s *Slave) Handle(frame canopen.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxNew = true
}

// Process answers any pending RTR and counts down the life-time guard timer.
// nmtState is the node's current NMT state byte, consumed at each RTR.
func (s *Slave) Process(nmtState uint8, timeDifferenceUs uint32, timerNextUs *uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabled {
		return
	}

	if s.rxNew {
		s.lifeTimer = s.lifeTimeUs

		data := nmtState
		if s.toggle {
			data |= 0x80
		}
		s.toggle = !s.toggle
		s.txBuffer.Data[0] = data
		_ = s.Send(s.txBuffer)

		if s.lifeTimeOut {
			s.emcy.ErrorReset(emergency.EmHeartbeatConsumer, 0)
			s.lifeTimeOut = false
		}
		s.rxNew = false
		return
	}

	if s.lifeTimer == 0 {
		return
	}
	if timeDifferenceUs < s.lifeTimer {
		s.lifeTimer -= timeDifferenceUs
		if timerNextUs != nil && *timerNextUs > s.lifeTimer {
			*timerNextUs = s.lifeTimer
		}
		return
	}
	s.lifeTimer = 0
	s.lifeTimeOut = true
	s.emcy.ErrorReport(emergency.EmHeartbeatConsumer, emergency.ErrHeartbeat, 0)
}

func writeEntry100C(stream *od.Stream, buf []byte) (uint16, error) {
	slave, ok := stream.Object.(*Slave)
	if !ok || len(buf) != 2 {
		return 0, od.ErrDevIncompat
	}
	n, err := od.WriteEntryDefault(stream, buf)
	if err != nil {
		return n, err
	}
	slave.mu.Lock()
	guardTimeMs := uint32(buf[0]) | uint32(buf[1])<<8
	lifeTimeFactor := uint32(0)
	if slave.guardTimeUs != 0 {
		lifeTimeFactor = slave.lifeTimeUs / slave.guardTimeUs
	}
	slave.guardTimeUs = guardTimeMs * 1000
	slave.lifeTimeUs = slave.guardTimeUs * lifeTimeFactor
	if slave.lifeTimer > 0 {
		slave.lifeTimer = slave.lifeTimeUs
	}
	slave.mu.Unlock()
	return n, err
}

func writeEntry100D(stream *od.Stream, buf []byte) (uint16, error) {
	slave, ok := stream.Object.(*Slave)
	if !ok || len(buf) != 1 {
		return 0, od.ErrDevIncompat
	}
	n, err := od.WriteEntryDefault(stream, buf)
	if err != nil {
		return n, err
	}
	slave.mu.Lock()
	slave.lifeTimeUs = slave.guardTimeUs * uint32(buf[0])
	if slave.lifeTimer > 0 {
		slave.lifeTimer = slave.lifeTimeUs
	}
	slave.mu.Unlock()
	return n, err
}

// NewSlave builds a node guarding slave. entry100C (guard time, ms) and
// entry100D (life time factor) are mandatory; a guard time of 0 disables
// node guarding entirely, matching CiA 301's mutual exclusion with Heartbeat.
func NewSlave(
	bm *canopen.BusManager,
	logger *slog.Logger,
	emcy *emergency.EMCY,
	nodeId uint8,
	entry100C *od.Entry,
	entry100D *od.Entry,
) (*Slave, error) {

	if bm == nil || emcy == nil || entry100C == nil || entry100D == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}

	guardTimeMs, err := entry100C.Uint16(0)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}
	lifeTimeFactor, err := entry100D.Uint8(0)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}

	slave := &Slave{
		BusManager:  bm,
		logger:      logger.With("service", "[GUARD]"),
		emcy:        emcy,
		nodeId:      nodeId,
		guardTimeUs: uint32(guardTimeMs) * 1000,
		disabled:    guardTimeMs == 0,
	}
	slave.lifeTimeUs = slave.guardTimeUs * uint32(lifeTimeFactor)
	slave.txBuffer = canopen.NewFrame(ServiceId+uint32(nodeId), 0, 1)

	entry100C.AddExtension(slave, od.ReadEntryDefault, writeEntry100C)
	entry100D.AddExtension(slave, od.ReadEntryDefault, writeEntry100D)

	if !slave.disabled {
		_, err = bm.Subscribe(ServiceId+uint32(nodeId), 0x7FF, true, slave)
		if err != nil {
			return nil, err
		}
	}
	slave.logger.Info("initialized", "guardTimeMs", guardTimeMs, "lifeTimeFactor", lifeTimeFactor)
	return slave, nil
}
