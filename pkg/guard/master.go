package guard

import (
	"log/slog"
	"sync"

	canopen "github.com/samsamfire/gocanopen"
	"github.com/samsamfire/gocanopen/pkg/emergency"
	"github.com/samsamfire/gocanopen/pkg/nmt"
)

// guardedNode tracks the RTR/response cycle for one monitored node.
type guardedNode struct {
	nodeId           uint8
	cobId            uint32
	guardTimeUs      uint32
	guardTimer       uint32
	toggle           bool
	responseReceived bool
	nmtState         uint8
	monitoringActive bool
}

// Master polls a set of slave nodes with remote-transmit requests and raises
// the shared heartbeat consumer emergency when a node misses or mis-toggles
// its reply.
type Master struct {
	*canopen.BusManager
	mu       sync.Mutex
	logger   *slog.Logger
	emcy     *emergency.EMCY
	nodes    []*guardedNode
	rxCancel func()
}

var _ canopen.FrameListener = (*Master)(nil)

// NewMaster builds an empty node guarding master; guarded nodes are added
// with [Master.AddNode].
func NewMaster(bm *canopen.BusManager, logger *slog.Logger, emcy *emergency.EMCY) (*Master, error) {
	if bm == nil || emcy == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	master := &Master{
		BusManager: bm,
		logger:     logger.With("service", "[GUARD]"),
		emcy:       emcy,
	}
	// One listener covers every guarded node's response, CAN-IDs 0x701-0x77F.
	for canId := uint32(ServiceId) + 1; canId <= ServiceId+0x7F; canId++ {
		if _, err := bm.Subscribe(canId, 0x7FF, false, master); err != nil {
			return nil, err
		}
	}
	return master, nil
}

// AddNode registers a node to be guarded at the given interval. A guardTimeMs
// of 0 disables monitoring for this node.
func (m *Master) AddNode(nodeId uint8, guardTimeMs uint16) error {
	if nodeId < 1 || nodeId > 0x7F {
		return canopen.ErrIllegalArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, &guardedNode{
		nodeId:           nodeId,
		cobId:            ServiceId + uint32(nodeId),
		guardTimeUs:      uint32(guardTimeMs) * 1000,
		nmtState:         nmt.StateInitializing,
		responseReceived: true,
	})
	return nil
}

// Handle implements [canopen.FrameListener]. It matches the response against
// its guarded node by CAN-ID and checks the toggle bit.
func (m *Master) Handle(frame canopen.Frame) {
	if frame.DLC != 1 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, node := range m.nodes {
		if frame.ID != node.cobId {
			continue
		}
		toggle := (frame.Data[0] & 0x80) != 0
		if toggle == node.toggle {
			node.responseReceived = true
			node.nmtState = frame.Data[0] & 0x7F
			node.toggle = !node.toggle
		}
		return
	}
}

// Process polls any node whose guard interval elapsed and checks the
// previous cycle's response, raising or clearing the shared heartbeat
// consumer emergency per node.
func (m *Master) Process(timeDifferenceUs uint32, timerNextUs *uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, node := range m.nodes {
		if node.guardTimeUs == 0 {
			continue
		}
		if timeDifferenceUs < node.guardTimer {
			node.guardTimer -= timeDifferenceUs
			if timerNextUs != nil && *timerNextUs > node.guardTimer {
				*timerNextUs = node.guardTimer
			}
			continue
		}

		if !node.responseReceived {
			node.monitoringActive = false
			m.emcy.ErrorReport(emergency.EmHeartbeatConsumer, emergency.ErrHeartbeat, uint32(node.nodeId))
		} else if node.nmtState != nmt.StateInitializing {
			node.monitoringActive = true
			m.emcy.ErrorReset(emergency.EmHeartbeatConsumer, uint32(node.nodeId))
		}

		frame := canopen.NewFrame(node.cobId, canopen.FlagRTR, 1)
		_ = m.Send(frame)
		node.responseReceived = false
		node.guardTimer = node.guardTimeUs
	}
}

// MonitoringActive reports whether the given guarded node answered its last
// RTR with a correctly toggled reply.
func (m *Master) MonitoringActive(nodeId uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, node := range m.nodes {
		if node.nodeId == nodeId {
			return node.monitoringActive
		}
	}
	return false
}
