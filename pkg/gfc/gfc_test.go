package gfc

import (
	"sync"
	"testing"
	"time"

	canopen "github.com/samsamfire/gocanopen"
	"github.com/samsamfire/gocanopen/pkg/can/virtual"
	"github.com/samsamfire/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// CAN server should be running for this to work, same convention as
// pkg/can/virtual and pkg/network tests.
const gfcTestChannel = "localhost:18888"

func newGFCTestBus(t *testing.T) *canopen.BusManager {
	t.Helper()
	bus, err := virtual.NewVirtualCanBus(gfcTestChannel)
	assert.Nil(t, err)
	assert.Nil(t, bus.Connect())
	bm := canopen.NewBusManager(bus)
	assert.Nil(t, bus.Subscribe(bm))
	return bm
}

// newGFCEntry builds a standalone 0x1300 entry, without depending on the
// embedded default OD. valid selects whether GFC starts enabled (1) or
// disabled (0).
func newGFCEntry(valid uint8) *od.Entry {
	dict := od.NewOD()
	value := "0x0"
	if valid == 1 {
		value = "0x1"
	}
	entry, _ := dict.AddVariableType(od.EntryGlobalFailsafeCommandParam, "Global failsafe command parameter", od.UNSIGNED8, od.AttributeSdoRw, value)
	return entry
}

type safeStateCounter struct {
	mu    sync.Mutex
	calls int
}

func (c *safeStateCounter) onSafe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

func (c *safeStateCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestConsumerInvokesCallbackWhenValid(t *testing.T) {
	bm := newGFCTestBus(t)
	entry := newGFCEntry(1)
	consumer, err := New(bm, nil, entry)
	assert.Nil(t, err)

	counter := &safeStateCounter{}
	consumer.OnEnterSafeState(counter.onSafe)

	consumer.Handle(canopen.NewFrame(ServiceId, 0, 0))
	assert.Equal(t, 1, counter.count())

	// A non-GFC-shaped frame (nonzero DLC) must not trigger the callback.
	consumer.Handle(canopen.NewFrame(ServiceId, 0, 1))
	assert.Equal(t, 1, counter.count())
}

func TestConsumerIgnoresFrameWhenNotValid(t *testing.T) {
	bm := newGFCTestBus(t)
	entry := newGFCEntry(0)
	consumer, err := New(bm, nil, entry)
	assert.Nil(t, err)

	counter := &safeStateCounter{}
	consumer.OnEnterSafeState(counter.onSafe)

	consumer.Handle(canopen.NewFrame(ServiceId, 0, 0))
	assert.Equal(t, 0, counter.count())
}

func TestSendGFCIsNoopWhenNotValid(t *testing.T) {
	bm := newGFCTestBus(t)
	entry := newGFCEntry(0)
	producer, err := New(bm, nil, entry)
	assert.Nil(t, err)

	assert.Nil(t, producer.SendGFC())
}

func TestProducerConsumerIntegration(t *testing.T) {
	bmProducer := newGFCTestBus(t)
	bmConsumer := newGFCTestBus(t)

	producer, err := New(bmProducer, nil, newGFCEntry(1))
	assert.Nil(t, err)

	consumer, err := New(bmConsumer, nil, newGFCEntry(1))
	assert.Nil(t, err)

	counter := &safeStateCounter{}
	consumer.OnEnterSafeState(counter.onSafe)

	assert.Nil(t, producer.SendGFC())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, counter.count())
}
