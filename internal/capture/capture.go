// Package capture records the PDUs exchanged during a run into a pcap
// file for offline inspection. Diagnostic PDUs have no link layer of
// their own, so records use the null/loopback link type with the 4-byte
// pseudo-header carrying the direction (0 = tester to ECU, 1 = ECU to
// tester).
package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"ecuprobe/internal/transport"
)

// Direction pseudo-header values.
const (
	DirSent     uint32 = 0
	DirReceived uint32 = 1
)

const snapLen = 65535

// Recorder appends PDU records to a pcap file. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
}

// NewRecorder creates path and writes the pcap file header.
func NewRecorder(path string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(snapLen, layers.LinkTypeNull); err != nil {
		file.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Recorder{file: file, writer: writer}, nil
}

// Record writes one PDU with the given direction pseudo-header.
func (r *Recorder) Record(dir uint32, pdu []byte) error {
	data := make([]byte, 4+len(pdu))
	binary.LittleEndian.PutUint32(data, dir)
	copy(data[4:], pdu)

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// WrapTransport returns a Transport that mirrors every PDU into rec.
// A nil rec returns t unchanged. Record failures are returned on the
// call that hit them; the underlying exchange still completed.
func WrapTransport(t transport.Transport, rec *Recorder) transport.Transport {
	if rec == nil {
		return t
	}
	return &recordingTransport{inner: t, rec: rec}
}

type recordingTransport struct {
	inner transport.Transport
	rec   *Recorder
}

func (t *recordingTransport) Send(ctx context.Context, pdu []byte, timeout time.Duration) error {
	if err := t.inner.Send(ctx, pdu, timeout); err != nil {
		return err
	}
	return t.rec.Record(DirSent, pdu)
}

func (t *recordingTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	pdu, err := t.inner.Receive(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if err := t.rec.Record(DirReceived, pdu); err != nil {
		return nil, err
	}
	return pdu, nil
}

func (t *recordingTransport) Target() *transport.TargetURI { return t.inner.Target() }

func (t *recordingTransport) Close() error { return t.inner.Close() }
