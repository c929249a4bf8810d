package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	canopen "github.com/samsamfire/gocanopen"
	"github.com/samsamfire/gocanopen/pkg/can/virtual"
	"github.com/samsamfire/gocanopen/pkg/emergency"
	"github.com/samsamfire/gocanopen/pkg/nmt"
	"github.com/samsamfire/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// CAN server should be running for this to work, same convention as
// pkg/can/virtual and pkg/network tests.
const guardTestChannel = "localhost:18888"

func newGuardTestBus(t *testing.T) *canopen.BusManager {
	t.Helper()
	bus, err := virtual.NewVirtualCanBus(guardTestChannel)
	assert.Nil(t, err)
	assert.Nil(t, bus.Connect())
	bm := canopen.NewBusManager(bus)
	assert.Nil(t, bus.Subscribe(bm))
	return bm
}

// newGuardEntries builds standalone 0x100C/0x100D OD entries, without
// depending on the embedded default OD.
func newGuardEntries(guardTimeMs uint16, lifeTimeFactor uint8) (*od.Entry, *od.Entry) {
	dict := od.NewOD()
	entry100C, _ := dict.AddVariableType(0x100C, "Guard time", od.UNSIGNED16, od.AttributeSdoRw, fmt.Sprintf("0x%X", guardTimeMs))
	entry100D, _ := dict.AddVariableType(0x100D, "Life time factor", od.UNSIGNED8, od.AttributeSdoRw, fmt.Sprintf("0x%X", lifeTimeFactor))
	return entry100C, entry100D
}

// frameRecorder collects every frame it receives for later assertions.
type frameRecorder struct {
	mu     sync.Mutex
	frames []canopen.Frame
}

func (r *frameRecorder) Handle(frame canopen.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) last() (canopen.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return canopen.Frame{}, false
	}
	return r.frames[len(r.frames)-1], true
}

func TestSlaveAnswersRTRAndTogglesBit(t *testing.T) {
	const nodeId = 0x10
	bmSlave := newGuardTestBus(t)
	bmObserver := newGuardTestBus(t)

	entry100C, entry100D := newGuardEntries(50, 2)
	emcy := emergency.NewEMCYForLogging(slog.Default())
	slave, err := NewSlave(bmSlave, nil, emcy, nodeId, entry100C, entry100D)
	assert.Nil(t, err)

	recorder := &frameRecorder{}
	_, err = bmObserver.Subscribe(ServiceId+uint32(nodeId), 0x7FF, false, recorder)
	assert.Nil(t, err)

	// First RTR: toggle bit starts at 0.
	slave.Handle(canopen.Frame{})
	slave.Process(nmt.StateOperational, 0, nil)
	time.Sleep(50 * time.Millisecond)
	frame, ok := recorder.last()
	assert.True(t, ok)
	assert.Equal(t, uint8(nmt.StateOperational), frame.Data[0]&0x7F)
	assert.Equal(t, uint8(0), frame.Data[0]&0x80)

	// Second RTR: toggle bit must now be set.
	slave.Handle(canopen.Frame{})
	slave.Process(nmt.StateOperational, 0, nil)
	time.Sleep(50 * time.Millisecond)
	frame, ok = recorder.last()
	assert.True(t, ok)
	assert.Equal(t, uint8(0x80), frame.Data[0]&0x80)
}

func TestSlaveRaisesEmergencyOnLifeTimeout(t *testing.T) {
	const nodeId = 0x11
	bmSlave := newGuardTestBus(t)

	entry100C, entry100D := newGuardEntries(10, 2) // life time = 20ms
	emcy := emergency.NewEMCYForLogging(slog.Default())
	slave, err := NewSlave(bmSlave, nil, emcy, nodeId, entry100C, entry100D)
	assert.Nil(t, err)

	// A first RTR arms the life timer, then no further RTR arrives:
	// advance the guard timer past the life time.
	slave.Handle(canopen.Frame{})
	slave.Process(nmt.StateOperational, 0, nil)
	slave.Process(nmt.StateOperational, 25_000, nil)
	assert.True(t, emcy.IsError(emergency.EmHeartbeatConsumer))

	// A late RTR clears the emergency again.
	slave.Handle(canopen.Frame{})
	slave.Process(nmt.StateOperational, 0, nil)
	assert.False(t, emcy.IsError(emergency.EmHeartbeatConsumer))
}

func TestMasterDetectsMissingNode(t *testing.T) {
	const nodeId = 0x12
	bmMaster := newGuardTestBus(t)

	emcy := emergency.NewEMCYForLogging(slog.Default())
	master, err := NewMaster(bmMaster, nil, emcy)
	assert.Nil(t, err)
	assert.Nil(t, master.AddNode(nodeId, 10))

	// First cycle just polls the node, nothing to flag yet.
	master.Process(10_000, nil)
	assert.False(t, master.MonitoringActive(nodeId))
	assert.False(t, emcy.IsError(emergency.EmHeartbeatConsumer))

	// Second cycle elapses with no answer to the first RTR.
	master.Process(10_000, nil)
	assert.True(t, emcy.IsError(emergency.EmHeartbeatConsumer))
	assert.False(t, master.MonitoringActive(nodeId))
}

func TestMasterSlaveIntegration(t *testing.T) {
	const nodeId = 0x13
	bmSlave := newGuardTestBus(t)
	bmMaster := newGuardTestBus(t)

	entry100C, entry100D := newGuardEntries(10, 5)
	slaveEmcy := emergency.NewEMCYForLogging(slog.Default())
	slave, err := NewSlave(bmSlave, nil, slaveEmcy, nodeId, entry100C, entry100D)
	assert.Nil(t, err)

	masterEmcy := emergency.NewEMCYForLogging(slog.Default())
	master, err := NewMaster(bmMaster, nil, masterEmcy)
	assert.Nil(t, err)
	assert.Nil(t, master.AddNode(nodeId, 10))

	// Drive a few guard cycles: master RTR polls, slave answers, master
	// observes the answer on the following cycle.
	for i := 0; i < 4; i++ {
		master.Process(10_000, nil)
		time.Sleep(20 * time.Millisecond)
		slave.Process(nmt.StateOperational, 10_000, nil)
		time.Sleep(20 * time.Millisecond)
	}

	assert.True(t, master.MonitoringActive(nodeId))
	assert.False(t, masterEmcy.IsError(emergency.EmHeartbeatConsumer))
	assert.False(t, slaveEmcy.IsError(emergency.EmHeartbeatConsumer))
}
