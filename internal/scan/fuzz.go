package scan

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	log "github.com/sirupsen/logrus"

	"ecuprobe/internal/transport"
	"ecuprobe/internal/uds"
)

// FuzzConfig tunes one fuzzing run.
type FuzzConfig struct {
	// Template is the base PDU; byte 0 is the service id and stays fixed.
	Template []byte
	// Iterations bounds the number of mutated requests.
	Iterations int
	// Seed makes the mutation sequence reproducible.
	Seed int64
	// MaxMutations bounds the number of bytes changed per iteration.
	// Values below 1 mean one mutation per iteration.
	MaxMutations int
	// PingEvery checks ECU liveness with tester present every nth
	// iteration. 0 disables the check.
	PingEvery int
	// ProbeRetries re-sends a timed-out PDU this many times before the
	// timeout counts as an anomaly. Transient bus silence is not a
	// finding.
	ProbeRetries int
}

// Anomaly kinds recorded by Fuzz.
const (
	AnomalyTimeout      = "timeout"
	AnomalyIllegal      = "illegal-response"
	AnomalyPositive     = "unexpected-positive"
	AnomalyUnresponsive = "ecu-unresponsive"
)

// Anomaly is one suspicious outcome: the mutated PDU that caused it and a
// classification of what was observed.
type Anomaly struct {
	Iteration int    `json:"iteration"`
	PDU       []byte `json:"pdu"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
}

// Fuzz mutates the template PDU and records anomalous outcomes. Plain
// negative responses are the expected answer to garbage and are only
// logged; positive responses, timeouts and undecodable responses are
// recorded. The same seed reproduces the same request sequence.
func Fuzz(ctx context.Context, client *uds.Client, cfg FuzzConfig) ([]Anomaly, error) {
	if len(cfg.Template) < 2 {
		return nil, fmt.Errorf("fuzz template of %d bytes leaves nothing to mutate", len(cfg.Template))
	}
	maxMut := cfg.MaxMutations
	if maxMut < 1 {
		maxMut = 1
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	var anomalies []Anomaly

	for i := 0; i < cfg.Iterations; i++ {
		select {
		case <-ctx.Done():
			return anomalies, ctx.Err()
		default:
		}

		pdu := mutate(rng, cfg.Template, maxMut)
		log.WithFields(log.Fields{
			"iteration": i,
			"pdu":       fmt.Sprintf("%x", pdu),
		}).Debug("fuzzing")

		err := withProbeRetry(ctx, cfg.ProbeRetries, func() error {
			_, perr := client.SendRaw(ctx, pdu)
			return perr
		})
		var neg *uds.NegativeResponse
		switch {
		case err == nil:
			anomalies = append(anomalies, Anomaly{Iteration: i, PDU: pdu, Kind: AnomalyPositive})
		case errors.As(err, &neg):
			log.WithFields(log.Fields{
				"iteration": i,
				"nrc":       uds.NRCName(neg.Code),
			}).Debug("negative response")
		case errors.Is(err, transport.ErrTimeout):
			anomalies = append(anomalies, Anomaly{Iteration: i, PDU: pdu, Kind: AnomalyTimeout})
		case isMalformed(err):
			anomalies = append(anomalies, Anomaly{
				Iteration: i, PDU: pdu, Kind: AnomalyIllegal, Detail: err.Error(),
			})
		default:
			return anomalies, err
		}

		if cfg.PingEvery > 0 && (i+1)%cfg.PingEvery == 0 {
			if err := client.Ping(ctx); err != nil {
				var cerr *transport.ConnectionError
				if errors.As(err, &cerr) {
					return anomalies, err
				}
				anomalies = append(anomalies, Anomaly{
					Iteration: i, PDU: pdu, Kind: AnomalyUnresponsive, Detail: err.Error(),
				})
				log.WithField("iteration", i).Error("ECU stopped answering tester present, aborting")
				return anomalies, nil
			}
		}
	}

	log.WithField("count", len(anomalies)).Info("fuzzing finished")
	return anomalies, nil
}

// mutate copies the template and overwrites 1..maxMut random positions
// after the service id with random bytes.
func mutate(rng *rand.Rand, template []byte, maxMut int) []byte {
	pdu := append([]byte(nil), template...)
	n := 1 + rng.Intn(maxMut)
	for i := 0; i < n; i++ {
		pos := 1 + rng.Intn(len(pdu)-1)
		pdu[pos] = byte(rng.Intn(256))
	}
	return pdu
}
