package vecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecuprobe/internal/uds"
)

func setupRandom(t *testing.T, seed int64) *RandomServer {
	t.Helper()
	srv := NewRandomServer(seed)
	require.NoError(t, srv.Setup())
	return srv
}

func handle(t *testing.T, srv Server, state *ECUState, pdu []byte) []byte {
	t.Helper()
	resp, err := srv.Handle(state, pdu)
	require.NoError(t, err)
	return resp
}

// requestSequence exercises reads, memory access, seeds and session
// changes so determinism covers both the pure and the generator-driven
// response paths.
func requestSequence(srv *RandomServer) [][]byte {
	seqs := [][]byte{
		{uds.SIDDiagnosticSessionControl, uds.SessionExtended},
		{uds.SIDTesterPresent, 0x00},
		{uds.SIDSecurityAccess, srv.SecurityLevel()},
		{uds.SIDSecurityAccess, srv.SecurityLevel()},
		{uds.SIDReadDTCInformation, uds.DTCReportByStatusMask, 0xFF},
		{uds.SIDECUReset, uds.ResetHardReset},
	}
	for id := uint16(0); id < 64; id++ {
		seqs = append(seqs, []byte{uds.SIDReadDataByIdentifier, byte(id >> 8), byte(id)})
	}
	return seqs
}

func TestRandomServerDeterminism(t *testing.T) {
	srvA := setupRandom(t, 1337)
	srvB := setupRandom(t, 1337)

	stateA := srvA.NewState()
	stateB := srvB.NewState()

	for _, req := range requestSequence(srvA) {
		respA := handle(t, srvA, stateA, req)
		respB := handle(t, srvB, stateB, req)
		assert.Equal(t, respA, respB, "diverged on request % x", req)
	}
}

func TestRandomServerConnectionsIndependent(t *testing.T) {
	srv := setupRandom(t, 99)

	// Two connections to the same instance replay the same sequence.
	first := srv.NewState()
	second := srv.NewState()
	for _, req := range requestSequence(srv) {
		assert.Equal(t, handle(t, srv, first, req), handle(t, srv, second, req))
	}
}

func TestRandomServerSeedsDiffer(t *testing.T) {
	srvA := setupRandom(t, 1)
	srvB := setupRandom(t, 2)

	diverged := false
	stateA, stateB := srvA.NewState(), srvB.NewState()
	for id := uint16(0); id < 256 && !diverged; id++ {
		req := []byte{uds.SIDReadDataByIdentifier, byte(id >> 8), byte(id)}
		if !assert.ObjectsAreEqual(handle(t, srvA, stateA, req), handle(t, srvB, stateB, req)) {
			diverged = true
		}
	}
	assert.True(t, diverged, "different seeds produced identical read behavior")
}

func TestRandomServerSessionGating(t *testing.T) {
	srv := setupRandom(t, 7)
	state := srv.NewState()

	// Unknown service id.
	resp := handle(t, srv, state, []byte{0x2F, 0x00, 0x00})
	assert.Equal(t, []byte{0x7F, 0x2F, uds.NRCServiceNotSupported}, resp)

	// Unsupported session.
	resp = handle(t, srv, state, []byte{uds.SIDDiagnosticSessionControl, 0x7E})
	assert.Equal(t, byte(uds.NRCSubFunctionNotSupported), resp[2])

	// Truncated request for a known service.
	resp = handle(t, srv, state, []byte{uds.SIDReadDataByIdentifier, 0x01})
	if resp[0] == 0x7F {
		assert.Contains(t, []byte{
			uds.NRCIncorrectMessageLength,
			uds.NRCServiceNotSupported,
			uds.NRCServiceNotSupportedInActiveSession,
		}, resp[2])
	}

	// Default session always answers session control.
	resp = handle(t, srv, state, []byte{uds.SIDDiagnosticSessionControl, uds.SessionDefault})
	assert.Equal(t, []byte{0x50, uds.SessionDefault, 0x00, 0x32, 0x01, 0xF4}, resp)
}

func TestRandomServerTesterPresentSuppress(t *testing.T) {
	srv := setupRandom(t, 7)
	state := srv.NewState()

	resp := handle(t, srv, state, []byte{uds.SIDTesterPresent, 0x80})
	assert.Nil(t, resp)

	resp = handle(t, srv, state, []byte{uds.SIDTesterPresent, 0x00})
	assert.Equal(t, []byte{0x7E, 0x00}, resp)
}

func TestRandomServerSecurityAccess(t *testing.T) {
	srv := setupRandom(t, 21)
	state := srv.NewState()
	level := srv.SecurityLevel()

	// Security access lives in the extended session.
	handle(t, srv, state, []byte{uds.SIDDiagnosticSessionControl, uds.SessionExtended})

	// Key before seed.
	resp := handle(t, srv, state, []byte{uds.SIDSecurityAccess, level + 1, 0x00})
	assert.Equal(t, byte(uds.NRCRequestSequenceError), resp[2])

	// Seed, then the matching key.
	resp = handle(t, srv, state, []byte{uds.SIDSecurityAccess, level})
	require.Equal(t, byte(0x67), resp[0])
	seed := resp[2:]
	require.Len(t, seed, 4)

	key, err := srv.Key(seed)
	require.NoError(t, err)
	resp = handle(t, srv, state, append([]byte{uds.SIDSecurityAccess, level + 1}, key...))
	assert.Equal(t, []byte{0x67, level + 1}, resp)
	assert.Equal(t, level, state.SecurityLevel)

	// Re-requesting the seed while unlocked reports all zeros.
	resp = handle(t, srv, state, []byte{uds.SIDSecurityAccess, level})
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, resp[2:])

	// A session change relocks.
	handle(t, srv, state, []byte{uds.SIDDiagnosticSessionControl, uds.SessionExtended})
	assert.Equal(t, byte(0), state.SecurityLevel)
}

func TestRandomServerInvalidKeyLockout(t *testing.T) {
	srv := setupRandom(t, 21)
	state := srv.NewState()
	level := srv.SecurityLevel()
	handle(t, srv, state, []byte{uds.SIDDiagnosticSessionControl, uds.SessionExtended})

	for i := 0; i < maxInvalidKeys; i++ {
		resp := handle(t, srv, state, []byte{uds.SIDSecurityAccess, level})
		require.Equal(t, byte(0x67), resp[0])

		resp = handle(t, srv, state, []byte{uds.SIDSecurityAccess, level + 1, 0xDE, 0xAD, 0xBE, 0xEF})
		require.Equal(t, byte(0x7F), resp[0])
		if i < maxInvalidKeys-1 {
			assert.Equal(t, byte(uds.NRCInvalidKey), resp[2])
		} else {
			assert.Equal(t, byte(uds.NRCExceededNumberOfAttempts), resp[2])
		}
	}

	// Locked out: even the seed request is refused now.
	resp := handle(t, srv, state, []byte{uds.SIDSecurityAccess, level})
	assert.Equal(t, byte(uds.NRCExceededNumberOfAttempts), resp[2])

	// A reset clears the lockout.
	handle(t, srv, state, []byte{uds.SIDECUReset, uds.ResetHardReset})
	handle(t, srv, state, []byte{uds.SIDDiagnosticSessionControl, uds.SessionExtended})
	resp = handle(t, srv, state, []byte{uds.SIDSecurityAccess, level})
	assert.Equal(t, byte(0x67), resp[0])
}
