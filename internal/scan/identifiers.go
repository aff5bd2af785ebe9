package scan

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"ecuprobe/internal/ranges"
	"ecuprobe/internal/transport"
	"ecuprobe/internal/uds"
)

// IdentifiersConfig tunes one identifier scan.
type IdentifiersConfig struct {
	// Service is the SID to scan: SecurityAccess probes 1-byte
	// sub-functions, RoutineControl probes all three routine sub-functions
	// per id, everything else probes 2-byte data identifiers.
	Service byte
	// Sessions to scan. Empty means scan in the current session only.
	Sessions []uint32
	// IDs is the identifier scan range.
	IDs []uint32
	// Skips maps sessions to skipped ids, or to a whole-session skip.
	Skips ranges.SkipMap
	// Payload is appended to every request.
	Payload []byte
	// CheckSession > 0 re-verifies the active session every nth probe.
	CheckSession int
	// ProbeRetries re-sends a timed-out probe this many times before the
	// timeout is tallied.
	ProbeRetries int
	// SkipNotSupported stops scanning a session once an NRC suggests the
	// service as a whole is unavailable there.
	SkipNotSupported bool
}

// IdentifierFinding is one reportable scan outcome: a positive response or
// an NRC other than the common not-supported/out-of-range answers.
type IdentifierFinding struct {
	Session  uint32 `json:"session,omitempty"`
	ID       uint32 `json:"id"`
	NRC      string `json:"nrc,omitempty"`
	Response []byte `json:"response,omitempty"`
}

// IdentifiersResult tallies one scan invocation.
type IdentifiersResult struct {
	Findings []IdentifierFinding `json:"findings"`
	Positive int                 `json:"positive"`
	Abnormal int                 `json:"abnormal"`
	Timeouts int                 `json:"timeouts"`
}

// Identifiers scans the configured identifier range, per session when
// sessions are given. Single negative or timeout outcomes never abort the
// run; a connection-level failure does.
func Identifiers(ctx context.Context, client *uds.Client, cfg IdentifiersConfig) (*IdentifiersResult, error) {
	result := &IdentifiersResult{}

	if len(cfg.Sessions) == 0 {
		log.Info("performing scan in current session")
		err := scanSession(ctx, client, cfg, nil, result)
		return result, err
	}

	for _, session := range cfg.Sessions {
		if cfg.Skips.SkipsSession(session) {
			log.WithField("session", fmt.Sprintf("0x%02x", session)).Info("session skipped")
			continue
		}
		log.WithField("session", fmt.Sprintf("0x%02x", session)).Info("switching to session")
		if err := client.SetSession(ctx, byte(session)); err != nil {
			var neg *uds.NegativeResponse
			if errors.As(err, &neg) || errors.Is(err, transport.ErrTimeout) {
				log.WithField("session", fmt.Sprintf("0x%02x", session)).
					WithError(err).Warn("switching to session failed")
				continue
			}
			return result, err
		}

		if err := scanSession(ctx, client, cfg, &session, result); err != nil {
			return result, err
		}
		log.WithField("session", fmt.Sprintf("0x%02x", session)).Info("scan in session complete")
	}
	return result, nil
}

func scanSession(ctx context.Context, client *uds.Client, cfg IdentifiersConfig, session *uint32, result *IdentifiersResult) error {
	subFunctions := []byte{0x00}
	ids := cfg.IDs

	switch cfg.Service {
	case uds.SIDRoutineControl:
		if len(cfg.Payload) == 0 {
			log.Warn("scanning RoutineControl with an empty payload can start routines with irreversible effects")
		}
		subFunctions = []byte{uds.RoutineStart, uds.RoutineStop, uds.RoutineRequestResults}
	case uds.SIDSecurityAccess:
		// SecurityAccess identifiers are 1-byte sub-functions.
		trimmed := ids[:0:0]
		for _, id := range ids {
			if id <= 0xFF {
				trimmed = append(trimmed, id)
			}
		}
		if len(trimmed) < len(ids) {
			log.Warn("SecurityAccess only accepts 1-byte identifiers, limiting range to 0xff")
			ids = trimmed
		}
	}

	for i, id := range ids {
		if session != nil && cfg.Skips.Contains(*session, id) {
			log.WithField("id", fmt.Sprintf("0x%02x", id)).Debug("skipped")
			continue
		}

		if session != nil && cfg.CheckSession > 0 && i > 0 && i%cfg.CheckSession == 0 {
			ok, err := client.CheckAndSetSession(ctx, byte(*session))
			if err != nil {
				var cerr *transport.ConnectionError
				if errors.As(err, &cerr) {
					return err
				}
			}
			if !ok {
				log.WithFields(log.Fields{
					"session": fmt.Sprintf("0x%02x", *session),
					"id":      fmt.Sprintf("0x%02x", id),
				}).Error("lost session, aborting scan in this session")
				return nil
			}
		}

		for _, sub := range subFunctions {
			done, err := probeIdentifier(ctx, client, cfg, session, id, sub, result)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
	return nil
}

// probeIdentifier sends one request and classifies the outcome. The bool
// result requests an early stop for the current session.
func probeIdentifier(ctx context.Context, client *uds.Client, cfg IdentifiersConfig, session *uint32, id uint32, sub byte, result *IdentifiersResult) (bool, error) {
	var pdu []byte
	switch cfg.Service {
	case uds.SIDSecurityAccess:
		if id&uds.SuppressPosRspMsgBit != 0 {
			log.WithField("id", fmt.Sprintf("0b%b", id)).
				Info("identifier sets the suppress-response bit")
		}
		pdu = []byte{cfg.Service, byte(id)}
	case uds.SIDRoutineControl:
		pdu = []byte{cfg.Service, sub, byte(id >> 8), byte(id)}
	default:
		pdu = []byte{cfg.Service, byte(id >> 8), byte(id)}
	}
	pdu = append(pdu, cfg.Payload...)

	var resp *uds.PositiveResponse
	err := withProbeRetry(ctx, cfg.ProbeRetries, func() error {
		r, perr := client.SendRaw(ctx, pdu)
		if perr == nil {
			resp = r
		}
		return perr
	})
	if err == nil {
		log.WithFields(log.Fields{
			"id":   fmt.Sprintf("0x%02x", id),
			"data": fmt.Sprintf("%x", resp.Data),
		}).Info("positive response")
		result.Positive++
		result.Findings = append(result.Findings, IdentifierFinding{
			Session:  sessionValue(session),
			ID:       id,
			Response: resp.Data,
		})
		return false, nil
	}

	var neg *uds.NegativeResponse
	switch {
	case errors.As(err, &neg):
		switch {
		case uds.SuggestsServiceNotSupported(neg.Code):
			log.WithFields(log.Fields{
				"id":      fmt.Sprintf("0x%02x", id),
				"nrc":     uds.NRCName(neg.Code),
				"service": uds.ServiceName(cfg.Service),
			}).Info("service seems unsupported in this session")
			if cfg.SkipNotSupported {
				return true, nil
			}
		case neg.Code == uds.NRCRequestOutOfRange, neg.Code == uds.NRCSubFunctionNotSupported:
			// The common reply for unknown identifiers, not a finding.
			log.WithFields(log.Fields{
				"id":  fmt.Sprintf("0x%02x", id),
				"nrc": uds.NRCName(neg.Code),
			}).Debug("negative response")
		default:
			log.WithFields(log.Fields{
				"id":  fmt.Sprintf("0x%02x", id),
				"nrc": uds.NRCName(neg.Code),
			}).Info("abnormal negative response")
			result.Abnormal++
			result.Findings = append(result.Findings, IdentifierFinding{
				Session: sessionValue(session),
				ID:      id,
				NRC:     uds.NRCName(neg.Code),
			})
		}
	case errors.Is(err, transport.ErrTimeout):
		log.WithField("id", fmt.Sprintf("0x%02x", id)).Info("no response after retries")
		result.Timeouts++
	case isMalformed(err):
		log.WithField("id", fmt.Sprintf("0x%02x", id)).WithError(err).Warn("illegal response")
	default:
		return false, err
	}
	return false, nil
}

func isMalformed(err error) bool {
	var ferr *transport.FramingError
	return errors.Is(err, uds.ErrMalformedResponse) || errors.As(err, &ferr)
}

func sessionValue(session *uint32) uint32 {
	if session == nil {
		return 0
	}
	return *session
}
