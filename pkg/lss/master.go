package lss

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	canopen "github.com/samsamfire/gocanopen"
	"github.com/samsamfire/gocanopen/pkg/config"
)

var DefaultTimeout = 1000 * time.Millisecond

type LSSMaster struct {
	*canopen.BusManager
	logger  *slog.Logger
	mu      sync.Mutex
	rx      chan LSSMessage
	timeout time.Duration
}

// Handle [LSSMaster] related RX CAN frames
func (l *LSSMaster) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	select {
	case l.rx <- msg:
	default:
		l.logger.Warn("dropped LSS slave RX frame")
		// Drop frame
	}
}

// Wait for an answer from slave with a given command
// Any other command is ignored until timeout is elapsed
func (l *LSSMaster) WaitForResponse(cmd LSSCommand) (LSSMessage, error) {

	begin := time.Now()

	for {
		elapsed := time.Since(begin)
		if elapsed >= l.timeout {
			return LSSMessage{}, ErrTimeout
		}

		timeout := l.timeout - elapsed

		select {
		case resp := <-l.rx:
			if cmd == resp.Command() {
				return resp, nil
			} else {
				// Unexpected response, ignore
				l.logger.Warn("received unexpected response, ignoring", "response", resp)
			}
		case <-time.After(timeout):
			l.logger.Warn("no response received from slave, expecting", "command", cmd)
			return LSSMessage{}, ErrTimeout
		}
	}
}

// Send a switch state global command to all nodes
// i.e. waiting or configuration
// No answer is expected
func (l *LSSMaster) SwitchStateGlobal(mode LSSMode) error {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdSwitchStateGlobal)
	frame.Data[1] = byte(mode)
	return l.Send(frame)
}

// Send a switch state selective command to the desired node
// based on the LSS address.
// If no answer is received, command will timeout
func (l *LSSMaster) SwitchStateSelective(address LSSAddress) error {

	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdSwitchStateSelectiveVendor)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.VendorId)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveProduct)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.ProductCode)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveRevision)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.RevisionNumber)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveSerialNb)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.SerialNumber)
	l.Send(frame)

	_, err := l.WaitForResponse(CmdSwitchStateSelectiveResult)
	return err
}

// ErrFastscanNoNode is returned by [LSSMaster.Fastscan] when no unconfigured
// slave answers the initial confirm message.
var ErrFastscanNoNode = errors.New("no unconfigured node responded to fastscan")

// Fastscan runs the CiA 305 LSS fastscan protocol: a 128 bit binary search
// that identifies and addresses exactly one unconfigured slave waiting on
// the bus, without the master needing to know its LSS address up front.
// probeTimeout bounds each of the individual scan/verify round trips.
func (l *LSSMaster) Fastscan(probeTimeout time.Duration) (LSSAddress, error) {
	prevTimeout := l.timeout
	l.SetTimeout(probeTimeout)
	defer l.SetTimeout(prevTimeout)

	// Confirm: resets fastscan progress on every unconfigured slave and
	// asks them all to answer once, so we know there is something to scan.
	if !l.fastscanProbe(0, FastscanConfirm, FastscanVendorId, FastscanVendorId) {
		return LSSAddress{}, ErrFastscanNoNode
	}

	var resolved [4]uint32
	for field := FastscanVendorId; field <= FastscanSerial; field++ {
		var idNumber uint32
		// Binary search downwards from the MSB: at each bit we guess 0 and
		// keep the guess if a slave acks (all requested bits still match),
		// otherwise the bit must be 1.
		for bit := int(FastscanBit31); bit >= int(FastscanBit0); bit-- {
			if !l.fastscanProbe(idNumber, uint8(bit), field, field) {
				idNumber |= 1 << uint(bit)
			}
		}

		next := field + 1
		if next > FastscanSerial {
			next = FastscanVendorId // wraps: tells the matched slave to enter configuration state
		}
		// Verify the fully resolved 32 bit value and advance the slave's
		// internal scan position to the next field (or configuration state).
		if !l.fastscanProbe(idNumber, FastscanBit0, field, next) {
			return LSSAddress{}, ErrFastscanNoNode
		}
		resolved[field] = idNumber
	}

	return LSSAddress{config.Identity{
		VendorId:       resolved[FastscanVendorId],
		ProductCode:    resolved[FastscanProduct],
		RevisionNumber: resolved[FastscanRevision],
		SerialNumber:   resolved[FastscanSerial],
	}}, nil
}

// fastscanProbe sends one fastscan frame and reports whether a slave
// answered with an identify-slave response before the timeout.
func (l *LSSMaster) fastscanProbe(idNumber uint32, bitCheck uint8, lssSub, lssNext FastscanField) bool {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdIdentifyFastscan)
	binary.LittleEndian.PutUint32(frame.Data[1:], idNumber)
	frame.Data[5] = bitCheck
	frame.Data[6] = byte(lssSub)
	frame.Data[7] = byte(lssNext)
	if err := l.Send(frame); err != nil {
		return false
	}
	_, err := l.WaitForResponse(CmdIdentifySlave)
	return err == nil
}

// Update timeout for answer from slave nodes
func (l *LSSMaster) SetTimeout(timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.timeout = timeout
}

func NewLSSMaster(bm *canopen.BusManager, logger *slog.Logger, timeout time.Duration) (*LSSMaster, error) {

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[LSSMaster]")
	lss := &LSSMaster{BusManager: bm, logger: logger}
	lss.rx = make(chan LSSMessage, 2)
	lss.SetTimeout(timeout)
	_, err := lss.Subscribe(ServiceSlaveId, 0x7FF, false, lss)
	if err != nil {
		return nil, err
	}

	return lss, nil
}
