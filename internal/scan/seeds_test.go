package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecuprobe/internal/uds"
)

func TestDumpSeeds(t *testing.T) {
	counter := byte(0)
	client, tp := testClient(func(req []byte) [][]byte {
		if len(req) == 2 && req[0] == uds.SIDSecurityAccess {
			counter++
			return [][]byte{positive(req[0], req[1], 0xDE, 0xAD, counter)}
		}
		return [][]byte{negative(req[0], uds.NRCServiceNotSupported)}
	})

	corpus, err := DumpSeeds(context.Background(), client, SeedsConfig{
		Level: 0x01,
		Count: 3,
	})
	require.NoError(t, err)

	require.Len(t, corpus, 3)
	assert.Equal(t, []byte{0xDE, 0xAD, 0x01}, corpus[0].Seed)
	assert.Equal(t, []byte{0xDE, 0xAD, 0x03}, corpus[2].Seed)
	assert.Len(t, tp.sent, 3)
}

func TestDumpSeedsSessionCycling(t *testing.T) {
	session := byte(uds.SessionDefault)
	client, _ := testClient(func(req []byte) [][]byte {
		switch {
		case len(req) == 2 && req[0] == uds.SIDDiagnosticSessionControl:
			session = req[1]
			return [][]byte{positive(req[0], req[1], 0x00, 0x32, 0x01, 0xF4)}
		case len(req) == 3 && req[0] == uds.SIDReadDataByIdentifier:
			// Active diagnostic session identifier.
			return [][]byte{positive(req[0], req[1], req[2], session)}
		case len(req) == 2 && req[0] == uds.SIDSecurityAccess:
			return [][]byte{positive(req[0], req[1], session, session)}
		}
		return [][]byte{negative(req[0], uds.NRCServiceNotSupported)}
	})

	corpus, err := DumpSeeds(context.Background(), client, SeedsConfig{
		Level:    0x11,
		Sessions: []uint32{uds.SessionExtended, uds.SessionProgramming},
		Count:    4,
	})
	require.NoError(t, err)

	require.Len(t, corpus, 4)
	assert.Equal(t, uint32(uds.SessionExtended), corpus[0].Session)
	assert.Equal(t, []byte{uds.SessionExtended, uds.SessionExtended}, corpus[0].Seed)
	assert.Equal(t, uint32(uds.SessionProgramming), corpus[1].Session)
	assert.Equal(t, []byte{uds.SessionProgramming, uds.SessionProgramming}, corpus[1].Seed)
	assert.Equal(t, uint32(uds.SessionExtended), corpus[2].Session)
}

func TestDumpSeedsProbeRetry(t *testing.T) {
	calls := 0
	client, tp := testClient(func(req []byte) [][]byte {
		if len(req) == 2 && req[0] == uds.SIDSecurityAccess {
			calls++
			if calls == 1 {
				return nil // first request gets no answer
			}
			return [][]byte{positive(req[0], req[1], 0x42)}
		}
		return [][]byte{negative(req[0], uds.NRCServiceNotSupported)}
	})

	corpus, err := DumpSeeds(context.Background(), client, SeedsConfig{
		Level:        0x01,
		Count:        1,
		ProbeRetries: 1,
	})
	require.NoError(t, err)

	// The timed-out request was re-sent and still yielded a seed.
	require.Len(t, corpus, 1)
	assert.Equal(t, []byte{0x42}, corpus[0].Seed)
	assert.Len(t, tp.sent, 2)
}

func TestDumpSeedsToleratesDenials(t *testing.T) {
	denied := true
	client, _ := testClient(func(req []byte) [][]byte {
		if len(req) == 2 && req[0] == uds.SIDSecurityAccess {
			if denied {
				denied = false
				return [][]byte{negative(req[0], uds.NRCSecurityAccessDenied)}
			}
			return [][]byte{positive(req[0], req[1], 0x99)}
		}
		return [][]byte{negative(req[0], uds.NRCServiceNotSupported)}
	})

	corpus, err := DumpSeeds(context.Background(), client, SeedsConfig{Level: 0x01, Count: 2})
	require.NoError(t, err)
	require.Len(t, corpus, 1)
	assert.Equal(t, []byte{0x99}, corpus[0].Seed)
}
