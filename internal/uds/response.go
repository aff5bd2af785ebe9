package uds

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse marks an undecodable PDU. Per the propagation policy
// it is treated like a transport-level failure, not a negative response.
var ErrMalformedResponse = errors.New("malformed UDS response")

// NegativeResponse is an explicit rejection by the ECU. It implements error
// so callers can branch on the code with errors.As.
type NegativeResponse struct {
	Service byte
	Code    byte
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("%s rejected: %s", ServiceName(e.Service), NRCName(e.Code))
}

// Encode renders the 3-byte negative response PDU.
func (e *NegativeResponse) Encode() []byte {
	return []byte{NegativeResponseSID, e.Service, e.Code}
}

// PositiveResponse is a decoded positive response. Data is the payload after
// the response SID byte.
type PositiveResponse struct {
	Service byte // the request SID, offset already removed
	Data    []byte
}

// Encode renders the positive response PDU.
func (r *PositiveResponse) Encode() []byte {
	out := make([]byte, 0, 1+len(r.Data))
	out = append(out, r.Service+PositiveResponseOffset)
	return append(out, r.Data...)
}

// ParseResponse splits a response PDU into its positive or negative form.
func ParseResponse(pdu []byte) (*PositiveResponse, *NegativeResponse, error) {
	if len(pdu) == 0 {
		return nil, nil, fmt.Errorf("%w: empty PDU", ErrMalformedResponse)
	}
	if pdu[0] == NegativeResponseSID {
		if len(pdu) < 3 {
			return nil, nil, fmt.Errorf("%w: truncated negative response", ErrMalformedResponse)
		}
		return nil, &NegativeResponse{Service: pdu[1], Code: pdu[2]}, nil
	}
	if pdu[0] < PositiveResponseOffset {
		return nil, nil, fmt.Errorf("%w: response SID 0x%02x below positive offset", ErrMalformedResponse, pdu[0])
	}
	return &PositiveResponse{Service: pdu[0] - PositiveResponseOffset, Data: pdu[1:]}, nil, nil
}
