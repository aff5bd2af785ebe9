// Package vecu implements the server role of the diagnostic stack: a
// virtual ECU answering UDS requests from either a recorded dataset or a
// seeded random behavior model, for test harnessing.
package vecu

import (
	"math/rand"

	"ecuprobe/internal/uds"
)

// ECUState is the per-connection server state: the active diagnostic
// session and the security-access state machine, owned independently by
// every accepted connection.
type ECUState struct {
	Session       byte
	SecurityLevel byte // unlocked level, 0 while locked

	pendingSeedLevel byte
	pendingSeed      []byte
	invalidKeys      int

	// rng drives randomized response material. Seeded per connection so
	// each connection reproduces the same sequence for the same requests.
	rng *rand.Rand
}

// Reset returns the state to its post-reconnect defaults: default session,
// security locked. The response generator is not reset, reset does not
// rewind time.
func (s *ECUState) Reset() {
	s.Session = uds.SessionDefault
	s.SecurityLevel = 0
	s.pendingSeedLevel = 0
	s.pendingSeed = nil
	s.invalidKeys = 0
}

// Server is one virtual ECU behavior. Setup runs once before the first
// connection, Teardown is guaranteed after the serve loop exits. Handle
// answers a single request PDU; a nil response means stay silent, which on
// the wire looks like a timeout to the tester.
type Server interface {
	Setup() error
	NewState() *ECUState
	Handle(state *ECUState, pdu []byte) ([]byte, error)
	Teardown() error
}

func negativePDU(service, code byte) []byte {
	return (&uds.NegativeResponse{Service: service, Code: code}).Encode()
}

func positivePDU(service byte, data ...byte) []byte {
	return (&uds.PositiveResponse{Service: service, Data: data}).Encode()
}

// sessionParameterRecord is the P2/P2* timing record appended to positive
// DiagnosticSessionControl responses.
var sessionParameterRecord = []byte{0x00, 0x32, 0x01, 0xF4}
