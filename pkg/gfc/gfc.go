// Package gfc implements the CiA 304 Global Fail-Safe Command, a minimal
// consumer/producer protocol: a DLC 0 frame that tells every listener to
// enter a safe state. It is optional and unmonitored (no timeout).
package gfc

import (
	"log/slog"
	"sync"

	canopen "github.com/samsamfire/gocanopen"
	"github.com/samsamfire/gocanopen/pkg/od"
)

// ServiceId is the default GFC CAN-ID, from OD 0x1300.
const ServiceId = 0x1

// EnterSafeStateCallback is invoked synchronously from RX dispatch when a
// valid GFC frame is received.
type EnterSafeStateCallback func()

// GFC is both producer and consumer of the Global Fail-Safe Command. Either
// role can be left unused: Send is a no-op producer call if the application
// never calls it, and Handle is a no-op consumer if no callback was set.
type GFC struct {
	*canopen.BusManager
	mu       sync.Mutex
	logger   *slog.Logger
	valid    bool
	cobId    uint32
	txBuffer canopen.Frame
	onSafe   EnterSafeStateCallback
}

var _ canopen.FrameListener = (*GFC)(nil)

// OnEnterSafeState registers the callback invoked when a GFC frame is
// received. Passing nil disables the consumer side.
func (g *GFC) OnEnterSafeState(callback EnterSafeStateCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSafe = callback
}

// Handle implements [canopen.FrameListener]. A GFC frame carries no payload
// (DLC 0); the callback, if any, runs synchronously, matching the reference
// behaviour of calling straight out of the CAN receive interrupt.
func (g *GFC) Handle(frame canopen.Frame) {
	g.mu.Lock()
	valid := g.valid
	callback := g.onSafe
	g.mu.Unlock()

	if valid && frame.DLC == 0 && callback != nil {
		callback()
	}
}

// SendGFC transmits the GFC frame, telling the network to enter a safe
// state. It is a no-op if GFC is not valid (OD 0x1300 == 0).
func (g *GFC) SendGFC() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.valid {
		return nil
	}
	return g.BusManager.Send(g.txBuffer)
}

func writeEntry1300(stream *od.Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil || stream.Subindex != 0 || len(data) != 1 {
		return 0, od.ErrDevIncompat
	}
	gfc, ok := stream.Object.(*GFC)
	if !ok {
		return 0, od.ErrDevIncompat
	}
	if data[0] > 1 {
		return 0, od.ErrInvalidValue
	}
	gfc.mu.Lock()
	gfc.valid = data[0] == 1
	gfc.mu.Unlock()
	return od.WriteEntryDefault(stream, data)
}

// New builds a GFC producer/consumer. entry1300 (the GFC parameter, u8,
// OD index 0x1300) is mandatory; value 1 enables the protocol.
func New(bm *canopen.BusManager, logger *slog.Logger, entry1300 *od.Entry) (*GFC, error) {
	if bm == nil || entry1300 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}

	valid, err := entry1300.Uint8(0)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}

	gfc := &GFC{
		BusManager: bm,
		logger:     logger.With("service", "[GFC]"),
		valid:      valid == 1,
		cobId:      ServiceId,
	}
	gfc.txBuffer = canopen.NewFrame(gfc.cobId, 0, 0)

	entry1300.AddExtension(gfc, od.ReadEntryDefault, writeEntry1300)

	if _, err := bm.Subscribe(gfc.cobId, 0x7FF, false, gfc); err != nil {
		return nil, err
	}
	gfc.logger.Info("initialized", "valid", gfc.valid)
	return gfc, nil
}
