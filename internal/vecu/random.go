package vecu

import (
	"bytes"
	"errors"
	"hash/fnv"
	"math/rand"

	log "github.com/sirupsen/logrus"

	"ecuprobe/internal/uds"
)

// maxInvalidKeys locks security access out after this many wrong keys.
const maxInvalidKeys = 3

// RandomServer answers with a behavior model drawn once from a seed:
// which sessions exist, which services each session offers, one
// security-access level with an XOR key relation, and which identifiers
// hold data. Two instances with the same seed behave identically.
type RandomServer struct {
	Seed int64

	sessions map[byte]bool
	services map[byte]map[byte]bool
	secLevel byte
	keyMask  []byte
}

// NewRandomServer builds a server for the seed. Call Setup before use.
func NewRandomServer(seed int64) *RandomServer {
	return &RandomServer{Seed: seed}
}

// optionalServices and their per-session availability probability.
var optionalServices = []struct {
	sid byte
	p   float64
}{
	{uds.SIDReadDataByIdentifier, 0.9},
	{uds.SIDWriteDataByIdentifier, 0.4},
	{uds.SIDSecurityAccess, 0.6},
	{uds.SIDRoutineControl, 0.5},
	{uds.SIDReadMemoryByAddress, 0.3},
	{uds.SIDWriteMemoryByAddress, 0.2},
	{uds.SIDReadDTCInformation, 0.7},
	{uds.SIDClearDiagnosticInfo, 0.5},
	{uds.SIDControlDTCSetting, 0.4},
}

// Setup draws the behavior model from the seed.
func (s *RandomServer) Setup() error {
	rng := rand.New(rand.NewSource(s.Seed))

	s.sessions = map[byte]bool{
		uds.SessionDefault:  true,
		uds.SessionExtended: true,
	}
	if rng.Float64() < 0.5 {
		s.sessions[uds.SessionProgramming] = true
	}
	// A couple of vendor-specific sessions from the 0x40-0x5F block.
	for i := 0; i < 2; i++ {
		if rng.Float64() < 0.3 {
			s.sessions[byte(0x40+rng.Intn(0x20))] = true
		}
	}

	s.services = make(map[byte]map[byte]bool, len(s.sessions))
	for session := range s.sessions {
		table := map[byte]bool{
			uds.SIDDiagnosticSessionControl: true,
			uds.SIDECUReset:                 true,
			uds.SIDTesterPresent:            true,
		}
		for _, svc := range optionalServices {
			if rng.Float64() < svc.p {
				table[svc.sid] = true
			}
		}
		s.services[session] = table
	}
	// Security access is always offered in the extended session, like on
	// most real ECUs. Reads are always offered in the default session.
	s.services[uds.SessionExtended][uds.SIDSecurityAccess] = true
	s.services[uds.SessionDefault][uds.SIDReadDataByIdentifier] = true

	s.secLevel = byte(1 + 2*rng.Intn(5)) // odd levels 0x01..0x09
	s.keyMask = make([]byte, 4)
	rng.Read(s.keyMask)

	log.WithFields(log.Fields{
		"seed":           s.Seed,
		"sessions":       len(s.sessions),
		"security_level": s.secLevel,
	}).Info("random virtual ECU ready")
	return nil
}

func (s *RandomServer) Teardown() error { return nil }

// NewState seeds the per-connection generator from the master seed, so
// independent connections see identical response sequences.
func (s *RandomServer) NewState() *ECUState {
	state := &ECUState{rng: rand.New(rand.NewSource(s.Seed))}
	state.Reset()
	return state
}

// SecurityLevel is the one seed-request level this ECU supports.
func (s *RandomServer) SecurityLevel() byte { return s.secLevel }

// Key derives the expected key for a seed, the same relation the ECU
// checks. Harnesses use it as the uds.KeyFunc when unlocking.
func (s *RandomServer) Key(seed []byte) ([]byte, error) {
	key := make([]byte, len(seed))
	for i, b := range seed {
		key[i] = b ^ s.keyMask[i%len(s.keyMask)]
	}
	return key, nil
}

// Handle answers one request with the precise NRC for the current state.
func (s *RandomServer) Handle(state *ECUState, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, nil
	}
	sid := pdu[0]

	req, err := uds.DecodeRequest(pdu)
	if err != nil {
		if errors.Is(err, uds.ErrMalformedResponse) && s.knownAnywhere(sid) {
			return negativePDU(sid, uds.NRCIncorrectMessageLength), nil
		}
		return negativePDU(sid, uds.NRCServiceNotSupported), nil
	}

	if !s.services[state.Session][sid] {
		if s.knownAnywhere(sid) {
			return negativePDU(sid, uds.NRCServiceNotSupportedInActiveSession), nil
		}
		return negativePDU(sid, uds.NRCServiceNotSupported), nil
	}

	switch r := req.(type) {
	case *uds.DiagnosticSessionControlRequest:
		if !s.sessions[r.Session] {
			return negativePDU(sid, uds.NRCSubFunctionNotSupported), nil
		}
		state.Session = r.Session
		state.SecurityLevel = 0
		state.pendingSeedLevel = 0
		return positivePDU(sid, append([]byte{r.Session}, sessionParameterRecord...)...), nil

	case *uds.ECUResetRequest:
		if r.ResetType == 0 || r.ResetType > uds.ResetDisableRapidPowerDown {
			return negativePDU(sid, uds.NRCSubFunctionNotSupported), nil
		}
		state.Reset()
		return positivePDU(sid, r.ResetType), nil

	case *uds.TesterPresentRequest:
		if r.SuppressResponse {
			return nil, nil
		}
		return positivePDU(sid, uds.TesterPresentZeroSubFunc), nil

	case *uds.SecurityAccessRequest:
		return s.handleSecurityAccess(state, r), nil

	case *uds.ReadDataByIdentifierRequest:
		data, ok := s.identifierValue(r.ID)
		if !ok {
			return negativePDU(sid, uds.NRCRequestOutOfRange), nil
		}
		return positivePDU(sid, append([]byte{byte(r.ID >> 8), byte(r.ID)}, data...)...), nil

	case *uds.WriteDataByIdentifierRequest:
		if _, ok := s.identifierValue(r.ID); !ok {
			return negativePDU(sid, uds.NRCRequestOutOfRange), nil
		}
		if state.SecurityLevel == 0 {
			return negativePDU(sid, uds.NRCSecurityAccessDenied), nil
		}
		return positivePDU(sid, byte(r.ID>>8), byte(r.ID)), nil

	case *uds.ReadMemoryByAddressRequest:
		if state.SecurityLevel == 0 {
			return negativePDU(sid, uds.NRCSecurityAccessDenied), nil
		}
		size := r.Size
		if size > 256 {
			return negativePDU(sid, uds.NRCRequestOutOfRange), nil
		}
		data := make([]byte, size)
		state.rng.Read(data)
		return positivePDU(sid, data...), nil

	case *uds.WriteMemoryByAddressRequest:
		if state.SecurityLevel == 0 {
			return negativePDU(sid, uds.NRCSecurityAccessDenied), nil
		}
		return positivePDU(sid), nil

	case *uds.RoutineControlRequest:
		if r.SubFunc == 0 || r.SubFunc > uds.RoutineRequestResults {
			return negativePDU(sid, uds.NRCSubFunctionNotSupported), nil
		}
		if !s.routineExists(r.ID) {
			return negativePDU(sid, uds.NRCRequestOutOfRange), nil
		}
		return positivePDU(sid, r.SubFunc, byte(r.ID>>8), byte(r.ID)), nil

	case *uds.ReadDTCInformationRequest:
		return s.handleReadDTC(state, r), nil

	case *uds.ClearDiagnosticInformationRequest:
		return positivePDU(sid), nil

	case *uds.ControlDTCSettingRequest:
		if r.Setting != uds.DTCSettingOn && r.Setting != uds.DTCSettingOff {
			return negativePDU(sid, uds.NRCSubFunctionNotSupported), nil
		}
		return positivePDU(sid, r.Setting), nil
	}

	return negativePDU(sid, uds.NRCServiceNotSupported), nil
}

func (s *RandomServer) handleSecurityAccess(state *ECUState, r *uds.SecurityAccessRequest) []byte {
	sid := byte(uds.SIDSecurityAccess)

	if r.Level%2 == 1 { // seed request
		if r.Level != s.secLevel {
			return negativePDU(sid, uds.NRCSubFunctionNotSupported)
		}
		if state.invalidKeys >= maxInvalidKeys {
			return negativePDU(sid, uds.NRCExceededNumberOfAttempts)
		}
		if state.SecurityLevel == r.Level {
			// Already unlocked, report the all-zero seed.
			return positivePDU(sid, r.Level, 0, 0, 0, 0)
		}
		seed := make([]byte, 4)
		state.rng.Read(seed)
		state.pendingSeedLevel = r.Level
		state.pendingSeed = seed
		return positivePDU(sid, append([]byte{r.Level}, seed...)...)
	}

	// Key submission.
	if r.Level != s.secLevel+1 {
		return negativePDU(sid, uds.NRCSubFunctionNotSupported)
	}
	if state.pendingSeedLevel == 0 {
		return negativePDU(sid, uds.NRCRequestSequenceError)
	}
	want, _ := s.Key(state.pendingSeed)
	if !bytes.Equal(r.Key, want) {
		state.invalidKeys++
		state.pendingSeedLevel = 0
		if state.invalidKeys >= maxInvalidKeys {
			return negativePDU(sid, uds.NRCExceededNumberOfAttempts)
		}
		return negativePDU(sid, uds.NRCInvalidKey)
	}
	state.SecurityLevel = state.pendingSeedLevel
	state.pendingSeedLevel = 0
	state.invalidKeys = 0
	return positivePDU(sid, r.Level)
}

func (s *RandomServer) handleReadDTC(state *ECUState, r *uds.ReadDTCInformationRequest) []byte {
	sid := byte(uds.SIDReadDTCInformation)
	switch r.SubFunc {
	case uds.DTCReportNumberByStatusMask:
		// availabilityMask, format identifier, 2-byte count
		n := byte(s.hash(0xD7C + uint32(r.StatusMask)) % 5)
		return positivePDU(sid, r.SubFunc, 0xFF, 0x01, 0x00, n)
	case uds.DTCReportByStatusMask:
		out := []byte{r.SubFunc, 0xFF}
		n := int(s.hash(0xD7C+uint32(r.StatusMask)) % 5)
		for i := 0; i < n; i++ {
			dtc := make([]byte, 4)
			state.rng.Read(dtc)
			dtc[3] &= r.StatusMask | 0x01
			out = append(out, dtc...)
		}
		return positivePDU(sid, out...)
	default:
		return negativePDU(sid, uds.NRCSubFunctionNotSupported)
	}
}

// identifierValue reports whether the identifier holds data and, if so,
// its record value. Both are pure functions of the seed, keeping reads
// stable across requests and connections.
func (s *RandomServer) identifierValue(id uint16) ([]byte, bool) {
	h := s.hash(uint32(id))
	if h%100 >= 25 {
		return nil, false
	}
	n := 1 + int(h>>8)%8
	data := make([]byte, n)
	for i := range data {
		h = h*0x01000193 + 0x9E37
		data[i] = byte(h >> 16)
	}
	return data, true
}

func (s *RandomServer) routineExists(id uint16) bool {
	return s.hash(0x310000|uint32(id))%100 < 20
}

func (s *RandomServer) knownAnywhere(sid byte) bool {
	for _, table := range s.services {
		if table[sid] {
			return true
		}
	}
	return false
}

func (s *RandomServer) hash(v uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte{
		byte(s.Seed), byte(s.Seed >> 8), byte(s.Seed >> 16), byte(s.Seed >> 24),
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
	})
	return h.Sum32()
}
