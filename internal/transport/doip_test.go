package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// readDoIPMessage plays the peer side of the wire: one header, one payload.
func readDoIPMessage(t *testing.T, conn net.Conn) (uint16, []byte) {
	t.Helper()
	hdr := make([]byte, doipHeaderLen)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if hdr[0] != doipProtocolVersion || hdr[1] != doipInverseProtocolVersion {
		t.Fatalf("bad version bytes %02x %02x", hdr[0], hdr[1])
	}
	payload := make([]byte, binary.BigEndian.Uint32(hdr[4:8]))
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return binary.BigEndian.Uint16(hdr[2:4]), payload
}

func writeDoIPMessage(t *testing.T, conn net.Conn, ptype uint16, payload []byte) {
	t.Helper()
	hdr := make([]byte, doipHeaderLen)
	hdr[0] = doipProtocolVersion
	hdr[1] = doipInverseProtocolVersion
	binary.BigEndian.PutUint16(hdr[2:4], ptype)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := conn.Write(append(hdr, payload...)); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func pipeTransport(t *testing.T) (*DoIPTransport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	tp := &DoIPTransport{conn: client, srcAddr: 0x0E00, dstAddr: 0x1D00}
	return tp, server
}

func TestDoIPDiagnosticRoundTrip(t *testing.T) {
	tp, peer := pipeTransport(t)
	request := []byte{0x22, 0xF1, 0x90}
	response := []byte{0x62, 0xF1, 0x90, 0xAB}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ptype, payload := readDoIPMessage(t, peer)
		if ptype != doipDiagMessage {
			t.Errorf("payload type = 0x%04x, want diagnostic message", ptype)
			return
		}
		if binary.BigEndian.Uint16(payload[0:2]) != 0x0E00 ||
			binary.BigEndian.Uint16(payload[2:4]) != 0x1D00 {
			t.Errorf("addresses = % x, want 0e00 1d00", payload[:4])
		}
		if !bytes.Equal(payload[4:], request) {
			t.Errorf("diagnostic payload = % x, want % x", payload[4:], request)
		}

		out := make([]byte, 4, 4+len(response))
		binary.BigEndian.PutUint16(out[0:2], 0x1D00)
		binary.BigEndian.PutUint16(out[2:4], 0x0E00)
		writeDoIPMessage(t, peer, doipDiagMessage, append(out, response...))
	}()

	ctx := context.Background()
	if err := tp.Send(ctx, request, time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := tp.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, response) {
		t.Errorf("Receive = % x, want % x", got, response)
	}
	<-done
}

func TestDoIPReceiveConsumesAck(t *testing.T) {
	tp, peer := pipeTransport(t)
	response := []byte{0x50, 0x03}

	go func() {
		writeDoIPMessage(t, peer, doipDiagPositiveAck, []byte{0x1D, 0x00, 0x0E, 0x00, 0x00})
		out := []byte{0x1D, 0x00, 0x0E, 0x00}
		writeDoIPMessage(t, peer, doipDiagMessage, append(out, response...))
	}()

	got, err := tp.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, response) {
		t.Errorf("Receive = % x, want % x", got, response)
	}
}

func TestDoIPRoutingActivation(t *testing.T) {
	tests := []struct {
		name    string
		code    byte
		wantErr bool
	}{
		{"activated", doipRoutingActivated, false},
		{"denied unknown source", 0x00, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, peer := pipeTransport(t)

			go func() {
				ptype, payload := readDoIPMessage(t, peer)
				if ptype != doipRoutingActivation {
					t.Errorf("payload type = 0x%04x, want routing activation", ptype)
					return
				}
				if binary.BigEndian.Uint16(payload[0:2]) != 0x0E00 {
					t.Errorf("source address = % x, want 0e00", payload[0:2])
				}
				resp := []byte{0x0E, 0x00, 0x1D, 0x00, tt.code, 0, 0, 0, 0}
				writeDoIPMessage(t, peer, doipRoutingResponse, resp)
			}()

			err := tp.activateRouting(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("activateRouting error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDoIPReceiveNegativeAck(t *testing.T) {
	tp, peer := pipeTransport(t)

	go func() {
		writeDoIPMessage(t, peer, doipDiagNegativeAck, []byte{0x1D, 0x00, 0x0E, 0x00, 0x02})
	}()

	if _, err := tp.Receive(context.Background(), time.Second); err == nil {
		t.Fatal("want error for negative ack")
	}
}
