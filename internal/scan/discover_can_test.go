package scan

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecuprobe/internal/ranges"
	"ecuprobe/internal/transport"
)

// fakeBus simulates a CAN bus with a single XCP slave: it answers probes at
// slaveID from masterID with the slave marker.
type fakeBus struct {
	slaveID  uint32
	masterID uint32
	idle     map[uint32]struct{}

	queue      []fakeFrame
	probed     []uint32
	filter     map[uint32]struct{}
	filterInv  bool
	flushed    bool
	sniffCalls int
}

type fakeFrame struct {
	id   uint32
	data []byte
}

func (b *fakeBus) Sendto(_ context.Context, pdu []byte, id uint32, _ time.Duration) error {
	b.probed = append(b.probed, id)
	if id == b.slaveID && len(pdu) == 2 && pdu[0] == 0xFF {
		b.queue = append(b.queue, fakeFrame{id: b.masterID, data: []byte{0xFF, 0x20, 0x00, 0x08}})
	}
	return nil
}

func (b *fakeBus) Recvfrom(_ context.Context, _ time.Duration) (uint32, []byte, error) {
	if len(b.queue) == 0 {
		return 0, nil, fmt.Errorf("fake receive: %w", transport.ErrTimeout)
	}
	f := b.queue[0]
	b.queue = b.queue[1:]
	return f.id, f.data, nil
}

func (b *fakeBus) Sniff(_ context.Context, _ time.Duration) (map[uint32]struct{}, error) {
	b.sniffCalls++
	return b.idle, nil
}

func (b *fakeBus) SetFilter(ids map[uint32]struct{}, invert bool) {
	b.filter = ids
	b.filterInv = invert
}

func (b *fakeBus) Flush() { b.flushed = true }

func TestFindXCPCAN(t *testing.T) {
	bus := &fakeBus{
		slaveID:  0x123,
		masterID: 0x7E8,
		idle:     map[uint32]struct{}{0x40: {}, 0x50: {}},
	}

	ids, err := ranges.Parse("0x100-0x200")
	require.NoError(t, err)

	endpoints, err := FindXCPCAN(context.Background(), bus, CANDiscoveryConfig{
		SniffTime:    time.Millisecond,
		ProbeTimeout: time.Millisecond,
		IDs:          ids,
	})
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, XCPEndpoint{SlaveID: 0x123, MasterID: 0x7E8}, endpoints[0])

	// The idle traffic must be filtered out, inverted, and the queue
	// flushed before the first probe.
	assert.Equal(t, bus.idle, bus.filter)
	assert.True(t, bus.filterInv)
	assert.True(t, bus.flushed)

	// Every id of the range probed, in ascending order.
	require.Len(t, bus.probed, len(ids))
	assert.Equal(t, uint32(0x100), bus.probed[0])
	assert.Equal(t, uint32(0x200), bus.probed[len(bus.probed)-1])
}

func TestFindXCPCANEmptyRange(t *testing.T) {
	bus := &fakeBus{slaveID: 0x123, masterID: 0x7E8, idle: map[uint32]struct{}{}}

	ids, err := ranges.Parse("0x200-0x300")
	require.NoError(t, err)

	endpoints, err := FindXCPCAN(context.Background(), bus, CANDiscoveryConfig{
		SniffTime:    time.Millisecond,
		ProbeTimeout: time.Millisecond,
		IDs:          ids,
	})
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}

func TestFindXCPCANIgnoresNonXCPAnswers(t *testing.T) {
	bus := &fakeBus{idle: map[uint32]struct{}{}}
	// Queue a response that lacks the slave marker before any probe.
	bus.queue = append(bus.queue, fakeFrame{id: 0x300, data: []byte{0x7E, 0x00}})

	endpoints, err := FindXCPCAN(context.Background(), bus, CANDiscoveryConfig{
		SniffTime:    time.Millisecond,
		ProbeTimeout: time.Millisecond,
		IDs:          []uint32{0x100},
	})
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}
