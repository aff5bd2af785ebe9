package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"ecuprobe/internal/transport"
	"ecuprobe/internal/uds"
)

// SeedsConfig tunes DumpSeeds.
type SeedsConfig struct {
	// Level is the security-access level whose seeds are requested.
	Level byte
	// Sessions to cycle through, one per request. Empty means stay in the
	// current session.
	Sessions []uint32
	// Count bounds the number of seed requests.
	Count int
	// Interval separates consecutive requests. ECUs with a seed lifetime
	// need a pause to emit fresh material.
	Interval time.Duration
	// ProbeRetries re-sends a timed-out seed request this many times.
	ProbeRetries int
}

// SeedRecord is one captured seed with the session it was requested in.
type SeedRecord struct {
	Session uint32 `json:"session,omitempty"`
	Seed    []byte `json:"seed"`
}

// DumpSeeds repeatedly requests security-access seeds, building a corpus
// for offline key-recovery analysis. Negative responses and timeouts are
// logged and skipped; only connection loss aborts the dump.
func DumpSeeds(ctx context.Context, client *uds.Client, cfg SeedsConfig) ([]SeedRecord, error) {
	var corpus []SeedRecord

	for i := 0; i < cfg.Count; i++ {
		select {
		case <-ctx.Done():
			return corpus, ctx.Err()
		default:
		}

		var session uint32
		if len(cfg.Sessions) > 0 {
			session = cfg.Sessions[i%len(cfg.Sessions)]
			ok, err := client.CheckAndSetSession(ctx, byte(session))
			if err != nil {
				var cerr *transport.ConnectionError
				if errors.As(err, &cerr) {
					return corpus, err
				}
			}
			if !ok {
				log.WithField("session", fmt.Sprintf("0x%02x", session)).
					Warn("could not enter session, skipping request")
				continue
			}
		}

		var seed []byte
		err := withProbeRetry(ctx, cfg.ProbeRetries, func() error {
			s, perr := client.RequestSeed(ctx, cfg.Level)
			if perr == nil {
				seed = s
			}
			return perr
		})
		switch {
		case err == nil:
			log.WithFields(log.Fields{
				"session": fmt.Sprintf("0x%02x", session),
				"seed":    fmt.Sprintf("%x", seed),
			}).Info("captured seed")
			corpus = append(corpus, SeedRecord{Session: session, Seed: seed})
		case isRecoverable(err):
			log.WithError(err).Info("seed request yielded no seed")
		default:
			return corpus, err
		}

		if cfg.Interval > 0 && i < cfg.Count-1 {
			select {
			case <-time.After(cfg.Interval):
			case <-ctx.Done():
				return corpus, ctx.Err()
			}
		}
	}

	log.WithField("count", len(corpus)).Info("seed dump finished")
	return corpus, nil
}

// isRecoverable reports whether a request outcome should be logged and
// skipped rather than abort the loop.
func isRecoverable(err error) bool {
	var neg *uds.NegativeResponse
	return errors.As(err, &neg) || errors.Is(err, transport.ErrTimeout) || isMalformed(err)
}
