package vecu

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"ecuprobe/internal/uds"
)

// Dataset is the on-disk format of recorded ECU behavior: one file holds
// one or more ECUs, each with request/response pairs and typed behavior
// properties.
type Dataset struct {
	ECUs []ECUEntry `yaml:"ecus"`
}

// ECUEntry is one recorded ECU.
type ECUEntry struct {
	Name       string          `yaml:"name"`
	Properties Properties      `yaml:"properties"`
	Responses  []ResponseEntry `yaml:"responses"`
}

// ResponseEntry maps one request to its recorded response, both hex
// encoded. A request ending in '*' matches any request with that prefix.
type ResponseEntry struct {
	Request  string `yaml:"request"`
	Response string `yaml:"response"`
}

// Properties are the enumerated behavior switches a dataset (or the
// command line) may set. This is a closed table; datasets cannot inject
// arbitrary behavior.
type Properties struct {
	// AnswerUnknown answers unmatched requests with serviceNotSupported
	// instead of staying silent.
	AnswerUnknown bool `yaml:"answer_unknown"`
	// Sessions restricts DiagnosticSessionControl to the listed sessions.
	// Empty means only the default session exists.
	Sessions []int `yaml:"sessions"`
}

const (
	lookupCacheTTL  = time.Minute
	lookupCacheSize = 1024
)

// DBServer replays recorded request/response pairs. Session control, ECU
// reset and tester present are handled by the state machine itself; every
// other request is answered from the dataset.
type DBServer struct {
	Path string
	// ECU selects the dataset entry by name. Empty selects the first.
	ECU string
	// Overrides, when non-nil, replaces the selected entry's properties.
	Overrides *Properties

	props   Properties
	entries []lookupEntry
	cache   *ttlcache.Cache[string, []byte]
}

type lookupEntry struct {
	prefix   bool
	request  string
	response []byte
}

// NewDBServer builds a server for the dataset file. Call Setup before use.
func NewDBServer(path, ecu string, overrides *Properties) *DBServer {
	return &DBServer{Path: path, ECU: ecu, Overrides: overrides}
}

// Setup loads and indexes the dataset.
func (s *DBServer) Setup() error {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("read dataset: %w", err)
	}
	var ds Dataset
	if err := yaml.Unmarshal(raw, &ds); err != nil {
		return fmt.Errorf("parse dataset %s: %w", s.Path, err)
	}
	if len(ds.ECUs) == 0 {
		return fmt.Errorf("dataset %s holds no ECUs", s.Path)
	}

	var entry *ECUEntry
	if s.ECU == "" {
		entry = &ds.ECUs[0]
	} else {
		for i := range ds.ECUs {
			if ds.ECUs[i].Name == s.ECU {
				entry = &ds.ECUs[i]
				break
			}
		}
		if entry == nil {
			return fmt.Errorf("dataset %s: no ECU named %q", s.Path, s.ECU)
		}
	}

	s.props = entry.Properties
	if s.Overrides != nil {
		s.props = *s.Overrides
	}

	s.entries = make([]lookupEntry, 0, len(entry.Responses))
	for _, r := range entry.Responses {
		req := strings.ToLower(r.Request)
		prefix := strings.HasSuffix(req, "*")
		if prefix {
			req = strings.TrimSuffix(req, "*")
		}
		if _, err := hex.DecodeString(req); err != nil {
			return fmt.Errorf("dataset %s: request %q is not hex: %w", s.Path, r.Request, err)
		}
		resp, err := hex.DecodeString(r.Response)
		if err != nil {
			return fmt.Errorf("dataset %s: response %q is not hex: %w", s.Path, r.Response, err)
		}
		s.entries = append(s.entries, lookupEntry{prefix: prefix, request: req, response: resp})
	}

	s.cache = ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](lookupCacheTTL),
		ttlcache.WithCapacity[string, []byte](lookupCacheSize),
	)
	go s.cache.Start()

	log.WithFields(log.Fields{
		"ecu":       entry.Name,
		"responses": len(s.entries),
	}).Info("dataset virtual ECU ready")
	return nil
}

func (s *DBServer) Teardown() error {
	if s.cache != nil {
		s.cache.Stop()
	}
	return nil
}

func (s *DBServer) NewState() *ECUState {
	state := &ECUState{rng: rand.New(rand.NewSource(0))}
	state.Reset()
	return state
}

// lookup resolves a request against the dataset, memoizing prefix scans.
func (s *DBServer) lookup(pdu []byte) ([]byte, bool) {
	key := hex.EncodeToString(pdu)
	if item := s.cache.Get(key); item != nil {
		resp := item.Value()
		return resp, resp != nil
	}

	for _, e := range s.entries {
		if e.request == key || (e.prefix && strings.HasPrefix(key, e.request)) {
			s.cache.Set(key, e.response, ttlcache.DefaultTTL)
			return e.response, true
		}
	}
	s.cache.Set(key, nil, ttlcache.DefaultTTL)
	return nil, false
}

// Handle answers session housekeeping itself and everything else from the
// recorded dataset.
func (s *DBServer) Handle(state *ECUState, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, nil
	}
	sid := pdu[0]

	switch sid {
	case uds.SIDDiagnosticSessionControl:
		if len(pdu) < 2 {
			return negativePDU(sid, uds.NRCIncorrectMessageLength), nil
		}
		session := pdu[1]
		if session != uds.SessionDefault && !s.sessionAllowed(session) {
			return negativePDU(sid, uds.NRCSubFunctionNotSupported), nil
		}
		state.Session = session
		state.SecurityLevel = 0
		return positivePDU(sid, append([]byte{session}, sessionParameterRecord...)...), nil

	case uds.SIDECUReset:
		if len(pdu) < 2 {
			return negativePDU(sid, uds.NRCIncorrectMessageLength), nil
		}
		state.Reset()
		return positivePDU(sid, pdu[1]), nil

	case uds.SIDTesterPresent:
		if len(pdu) >= 2 && pdu[1]&uds.SuppressPosRspMsgBit != 0 {
			return nil, nil
		}
		return positivePDU(sid, uds.TesterPresentZeroSubFunc), nil
	}

	if resp, ok := s.lookup(pdu); ok {
		return resp, nil
	}
	if s.props.AnswerUnknown {
		return negativePDU(sid, uds.NRCServiceNotSupported), nil
	}
	return nil, nil
}

func (s *DBServer) sessionAllowed(session byte) bool {
	for _, allowed := range s.props.Sessions {
		if byte(allowed) == session {
			return true
		}
	}
	return false
}
