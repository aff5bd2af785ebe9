package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecuprobe/internal/uds"
)

func TestFuzzDeterministicWithSameSeed(t *testing.T) {
	rejectAll := func(req []byte) [][]byte {
		return [][]byte{negative(req[0], uds.NRCRequestOutOfRange)}
	}

	cfg := FuzzConfig{
		Template:     []byte{uds.SIDReadDataByIdentifier, 0x12, 0x34},
		Iterations:   50,
		Seed:         42,
		MaxMutations: 2,
	}

	clientA, tpA := testClient(rejectAll)
	_, err := Fuzz(context.Background(), clientA, cfg)
	require.NoError(t, err)

	clientB, tpB := testClient(rejectAll)
	_, err = Fuzz(context.Background(), clientB, cfg)
	require.NoError(t, err)

	assert.Equal(t, tpA.sent, tpB.sent)

	clientC, tpC := testClient(rejectAll)
	cfg.Seed = 43
	_, err = Fuzz(context.Background(), clientC, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, tpA.sent, tpC.sent)
}

func TestFuzzKeepsServiceIDFixed(t *testing.T) {
	client, tp := testClient(func(req []byte) [][]byte {
		return [][]byte{negative(req[0], uds.NRCRequestOutOfRange)}
	})

	_, err := Fuzz(context.Background(), client, FuzzConfig{
		Template:     []byte{uds.SIDWriteDataByIdentifier, 0x00, 0x00, 0xAA},
		Iterations:   30,
		Seed:         7,
		MaxMutations: 3,
	})
	require.NoError(t, err)

	require.Len(t, tp.sent, 30)
	for _, pdu := range tp.sent {
		assert.Equal(t, byte(uds.SIDWriteDataByIdentifier), pdu[0])
	}
}

func TestFuzzRecordsAnomalies(t *testing.T) {
	calls := 0
	client, _ := testClient(func(req []byte) [][]byte {
		calls++
		switch calls {
		case 1:
			return [][]byte{positive(req...)}
		case 2:
			return nil // timeout
		default:
			return [][]byte{negative(req[0], uds.NRCRequestOutOfRange)}
		}
	})

	anomalies, err := Fuzz(context.Background(), client, FuzzConfig{
		Template:   []byte{uds.SIDReadDataByIdentifier, 0x12, 0x34},
		Iterations: 5,
		Seed:       1,
	})
	require.NoError(t, err)

	require.Len(t, anomalies, 2)
	assert.Equal(t, AnomalyPositive, anomalies[0].Kind)
	assert.Equal(t, 0, anomalies[0].Iteration)
	assert.Equal(t, AnomalyTimeout, anomalies[1].Kind)
	assert.Equal(t, 1, anomalies[1].Iteration)
}

func TestFuzzProbeRetrySwallowsTransientTimeout(t *testing.T) {
	calls := 0
	client, tp := testClient(func(req []byte) [][]byte {
		calls++
		if calls == 1 {
			return nil // one dropped answer, not an ECU hang
		}
		return [][]byte{negative(req[0], uds.NRCRequestOutOfRange)}
	})

	anomalies, err := Fuzz(context.Background(), client, FuzzConfig{
		Template:     []byte{uds.SIDReadDataByIdentifier, 0x12, 0x34},
		Iterations:   3,
		Seed:         1,
		ProbeRetries: 1,
	})
	require.NoError(t, err)

	assert.Empty(t, anomalies)
	assert.Len(t, tp.sent, 4)
}

func TestFuzzAbortsWhenECUDies(t *testing.T) {
	alive := true
	client, _ := testClient(func(req []byte) [][]byte {
		if req[0] == uds.SIDTesterPresent {
			if !alive {
				return nil
			}
			return [][]byte{positive(req...)}
		}
		if req[0] == uds.SIDReadDataByIdentifier {
			alive = false // the third mutation "crashes" the ECU
		}
		return [][]byte{negative(req[0], uds.NRCRequestOutOfRange)}
	})

	anomalies, err := Fuzz(context.Background(), client, FuzzConfig{
		Template:   []byte{uds.SIDReadDataByIdentifier, 0x12, 0x34},
		Iterations: 100,
		Seed:       3,
		PingEvery:  1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)
	assert.Equal(t, AnomalyUnresponsive, anomalies[len(anomalies)-1].Kind)
}
