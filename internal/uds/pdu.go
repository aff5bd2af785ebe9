package uds

import (
	"encoding/binary"
	"fmt"
)

// Request is one encodable diagnostic request. The emulator decodes the same
// wire format via DecodeRequest.
type Request interface {
	ServiceID() byte
	Encode() []byte
}

// DiagnosticSessionControlRequest switches the diagnostic session.
type DiagnosticSessionControlRequest struct {
	Session byte
}

func (r *DiagnosticSessionControlRequest) ServiceID() byte { return SIDDiagnosticSessionControl }

func (r *DiagnosticSessionControlRequest) Encode() []byte {
	return []byte{SIDDiagnosticSessionControl, r.Session}
}

// ECUResetRequest requests a reset of the given kind.
type ECUResetRequest struct {
	ResetType byte
}

func (r *ECUResetRequest) ServiceID() byte { return SIDECUReset }

func (r *ECUResetRequest) Encode() []byte { return []byte{SIDECUReset, r.ResetType} }

// SecurityAccessRequest is a seed request (odd level, empty Key) or a key
// submission (even level).
type SecurityAccessRequest struct {
	Level byte
	Key   []byte
}

func (r *SecurityAccessRequest) ServiceID() byte { return SIDSecurityAccess }

func (r *SecurityAccessRequest) Encode() []byte {
	out := make([]byte, 0, 2+len(r.Key))
	out = append(out, SIDSecurityAccess, r.Level)
	return append(out, r.Key...)
}

// ReadDataByIdentifierRequest reads one data identifier.
type ReadDataByIdentifierRequest struct {
	ID uint16
}

func (r *ReadDataByIdentifierRequest) ServiceID() byte { return SIDReadDataByIdentifier }

func (r *ReadDataByIdentifierRequest) Encode() []byte {
	return []byte{SIDReadDataByIdentifier, byte(r.ID >> 8), byte(r.ID)}
}

// WriteDataByIdentifierRequest writes one data identifier.
type WriteDataByIdentifierRequest struct {
	ID   uint16
	Data []byte
}

func (r *WriteDataByIdentifierRequest) ServiceID() byte { return SIDWriteDataByIdentifier }

func (r *WriteDataByIdentifierRequest) Encode() []byte {
	out := make([]byte, 0, 3+len(r.Data))
	out = append(out, SIDWriteDataByIdentifier, byte(r.ID>>8), byte(r.ID))
	return append(out, r.Data...)
}

// addressAndLengthFormat packs the addressAndLengthFormatIdentifier plus the
// address and size fields for the memory services.
func addressAndLengthFormat(addr uint64, size uint32) []byte {
	addrLen := byteLen(addr)
	sizeLen := byteLen(uint64(size))

	out := make([]byte, 0, 1+addrLen+sizeLen)
	out = append(out, byte(sizeLen<<4|addrLen))
	out = appendBigEndian(out, addr, addrLen)
	return appendBigEndian(out, uint64(size), sizeLen)
}

func byteLen(v uint64) int {
	n := 1
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

func appendBigEndian(dst []byte, v uint64, n int) []byte {
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// ReadMemoryByAddressRequest reads Size bytes starting at Addr.
type ReadMemoryByAddressRequest struct {
	Addr uint64
	Size uint32
}

func (r *ReadMemoryByAddressRequest) ServiceID() byte { return SIDReadMemoryByAddress }

func (r *ReadMemoryByAddressRequest) Encode() []byte {
	return append([]byte{SIDReadMemoryByAddress}, addressAndLengthFormat(r.Addr, r.Size)...)
}

// WriteMemoryByAddressRequest writes Data starting at Addr.
type WriteMemoryByAddressRequest struct {
	Addr uint64
	Data []byte
}

func (r *WriteMemoryByAddressRequest) ServiceID() byte { return SIDWriteMemoryByAddress }

func (r *WriteMemoryByAddressRequest) Encode() []byte {
	out := append([]byte{SIDWriteMemoryByAddress}, addressAndLengthFormat(r.Addr, uint32(len(r.Data)))...)
	return append(out, r.Data...)
}

// RoutineControlRequest starts, stops or queries a routine.
type RoutineControlRequest struct {
	SubFunc byte
	ID      uint16
	Data    []byte
}

func (r *RoutineControlRequest) ServiceID() byte { return SIDRoutineControl }

func (r *RoutineControlRequest) Encode() []byte {
	out := make([]byte, 0, 4+len(r.Data))
	out = append(out, SIDRoutineControl, r.SubFunc, byte(r.ID>>8), byte(r.ID))
	return append(out, r.Data...)
}

// TesterPresentRequest is the keepalive.
type TesterPresentRequest struct {
	SuppressResponse bool
}

func (r *TesterPresentRequest) ServiceID() byte { return SIDTesterPresent }

func (r *TesterPresentRequest) Encode() []byte {
	sub := byte(TesterPresentZeroSubFunc)
	if r.SuppressResponse {
		sub |= SuppressPosRspMsgBit
	}
	return []byte{SIDTesterPresent, sub}
}

// ReadDTCInformationRequest queries stored DTCs by status mask.
type ReadDTCInformationRequest struct {
	SubFunc    byte
	StatusMask byte
}

func (r *ReadDTCInformationRequest) ServiceID() byte { return SIDReadDTCInformation }

func (r *ReadDTCInformationRequest) Encode() []byte {
	return []byte{SIDReadDTCInformation, r.SubFunc, r.StatusMask}
}

// ClearDiagnosticInformationRequest clears the DTC group (3 bytes, 0xFFFFFF
// for all).
type ClearDiagnosticInformationRequest struct {
	Group uint32
}

func (r *ClearDiagnosticInformationRequest) ServiceID() byte { return SIDClearDiagnosticInfo }

func (r *ClearDiagnosticInformationRequest) Encode() []byte {
	return []byte{SIDClearDiagnosticInfo, byte(r.Group >> 16), byte(r.Group >> 8), byte(r.Group)}
}

// ControlDTCSettingRequest toggles DTC recording.
type ControlDTCSettingRequest struct {
	Setting byte
}

func (r *ControlDTCSettingRequest) ServiceID() byte { return SIDControlDTCSetting }

func (r *ControlDTCSettingRequest) Encode() []byte {
	return []byte{SIDControlDTCSetting, r.Setting}
}

// DecodeRequest parses a request PDU into its typed form. The emulator uses
// this to dispatch incoming traffic.
func DecodeRequest(pdu []byte) (Request, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrMalformedResponse)
	}

	short := func(min int) error {
		return fmt.Errorf("%w: %s request of %d bytes, need %d",
			ErrMalformedResponse, ServiceName(pdu[0]), len(pdu), min)
	}

	switch pdu[0] {
	case SIDDiagnosticSessionControl:
		if len(pdu) < 2 {
			return nil, short(2)
		}
		return &DiagnosticSessionControlRequest{Session: pdu[1]}, nil
	case SIDECUReset:
		if len(pdu) < 2 {
			return nil, short(2)
		}
		return &ECUResetRequest{ResetType: pdu[1]}, nil
	case SIDSecurityAccess:
		if len(pdu) < 2 {
			return nil, short(2)
		}
		return &SecurityAccessRequest{Level: pdu[1], Key: append([]byte(nil), pdu[2:]...)}, nil
	case SIDReadDataByIdentifier:
		if len(pdu) < 3 {
			return nil, short(3)
		}
		return &ReadDataByIdentifierRequest{ID: binary.BigEndian.Uint16(pdu[1:3])}, nil
	case SIDWriteDataByIdentifier:
		if len(pdu) < 3 {
			return nil, short(3)
		}
		return &WriteDataByIdentifierRequest{
			ID:   binary.BigEndian.Uint16(pdu[1:3]),
			Data: append([]byte(nil), pdu[3:]...),
		}, nil
	case SIDReadMemoryByAddress:
		addr, size, rest, err := parseAddressAndLength(pdu[1:])
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: trailing bytes after ReadMemoryByAddress", ErrMalformedResponse)
		}
		return &ReadMemoryByAddressRequest{Addr: addr, Size: size}, nil
	case SIDWriteMemoryByAddress:
		addr, size, rest, err := parseAddressAndLength(pdu[1:])
		if err != nil {
			return nil, err
		}
		if uint32(len(rest)) != size {
			return nil, fmt.Errorf("%w: WriteMemoryByAddress data length mismatch", ErrMalformedResponse)
		}
		return &WriteMemoryByAddressRequest{Addr: addr, Data: append([]byte(nil), rest...)}, nil
	case SIDRoutineControl:
		if len(pdu) < 4 {
			return nil, short(4)
		}
		return &RoutineControlRequest{
			SubFunc: pdu[1],
			ID:      binary.BigEndian.Uint16(pdu[2:4]),
			Data:    append([]byte(nil), pdu[4:]...),
		}, nil
	case SIDTesterPresent:
		if len(pdu) < 2 {
			return nil, short(2)
		}
		return &TesterPresentRequest{SuppressResponse: pdu[1]&SuppressPosRspMsgBit != 0}, nil
	case SIDReadDTCInformation:
		if len(pdu) < 3 {
			return nil, short(3)
		}
		return &ReadDTCInformationRequest{SubFunc: pdu[1], StatusMask: pdu[2]}, nil
	case SIDClearDiagnosticInfo:
		if len(pdu) < 4 {
			return nil, short(4)
		}
		return &ClearDiagnosticInformationRequest{
			Group: uint32(pdu[1])<<16 | uint32(pdu[2])<<8 | uint32(pdu[3]),
		}, nil
	case SIDControlDTCSetting:
		if len(pdu) < 2 {
			return nil, short(2)
		}
		return &ControlDTCSettingRequest{Setting: pdu[1]}, nil
	default:
		return nil, fmt.Errorf("unsupported service 0x%02x", pdu[0])
	}
}

func parseAddressAndLength(data []byte) (addr uint64, size uint32, rest []byte, err error) {
	if len(data) < 1 {
		return 0, 0, nil, fmt.Errorf("%w: missing addressAndLengthFormatIdentifier", ErrMalformedResponse)
	}
	addrLen := int(data[0] & 0x0F)
	sizeLen := int(data[0] >> 4)
	if addrLen == 0 || sizeLen == 0 || len(data) < 1+addrLen+sizeLen {
		return 0, 0, nil, fmt.Errorf("%w: truncated address and length fields", ErrMalformedResponse)
	}
	for _, b := range data[1 : 1+addrLen] {
		addr = addr<<8 | uint64(b)
	}
	var sz uint64
	for _, b := range data[1+addrLen : 1+addrLen+sizeLen] {
		sz = sz<<8 | uint64(b)
	}
	return addr, uint32(sz), data[1+addrLen+sizeLen:], nil
}
