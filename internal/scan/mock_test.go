package scan

import (
	"context"
	"fmt"
	"time"

	"ecuprobe/internal/transport"
)

// mockTransport answers each sent PDU via a handler function. A handler
// returning no responses makes the next Receive time out.
type mockTransport struct {
	handler func(req []byte) [][]byte
	queue   [][]byte
	sent    [][]byte
}

func (m *mockTransport) Send(_ context.Context, pdu []byte, _ time.Duration) error {
	cp := append([]byte(nil), pdu...)
	m.sent = append(m.sent, cp)
	if m.handler != nil {
		m.queue = append(m.queue, m.handler(cp)...)
	}
	return nil
}

func (m *mockTransport) Receive(_ context.Context, _ time.Duration) ([]byte, error) {
	if len(m.queue) == 0 {
		return nil, fmt.Errorf("mock receive: %w", transport.ErrTimeout)
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return resp, nil
}

func (m *mockTransport) Target() *transport.TargetURI { return nil }

func (m *mockTransport) Close() error { return nil }

func positive(req ...byte) []byte {
	resp := append([]byte(nil), req...)
	resp[0] += 0x40
	return resp
}

func negative(sid, code byte) []byte {
	return []byte{0x7F, sid, code}
}
