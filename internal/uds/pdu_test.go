package uds

import (
	"reflect"
	"testing"
)

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"session control", &DiagnosticSessionControlRequest{Session: SessionExtended}},
		{"ecu reset", &ECUResetRequest{ResetType: ResetHardReset}},
		{"seed request", &SecurityAccessRequest{Level: 0x01}},
		{"send key", &SecurityAccessRequest{Level: 0x02, Key: []byte{0xDE, 0xAD, 0xBE, 0xEF}}},
		{"read did", &ReadDataByIdentifierRequest{ID: 0xF190}},
		{"write did", &WriteDataByIdentifierRequest{ID: 0x1234, Data: []byte{0x01, 0x02}}},
		{"read memory", &ReadMemoryByAddressRequest{Addr: 0x20001000, Size: 0x100}},
		{"read memory wide", &ReadMemoryByAddressRequest{Addr: 0x1_0000_0000, Size: 4}},
		{"write memory", &WriteMemoryByAddressRequest{Addr: 0x4000, Data: []byte{0xAA, 0xBB, 0xCC}}},
		{"routine control", &RoutineControlRequest{SubFunc: RoutineStart, ID: 0x0203, Data: []byte{0x05}}},
		{"routine control no data", &RoutineControlRequest{SubFunc: RoutineRequestResults, ID: 0xFF00}},
		{"tester present", &TesterPresentRequest{}},
		{"tester present suppressed", &TesterPresentRequest{SuppressResponse: true}},
		{"read dtc", &ReadDTCInformationRequest{SubFunc: DTCReportByStatusMask, StatusMask: 0xFF}},
		{"clear dtc", &ClearDiagnosticInformationRequest{Group: 0xFFFFFF}},
		{"control dtc setting", &ControlDTCSettingRequest{Setting: DTCSettingOff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu := tt.req.Encode()
			if pdu[0] != tt.req.ServiceID() {
				t.Fatalf("encoded SID 0x%02x, want 0x%02x", pdu[0], tt.req.ServiceID())
			}
			got, err := DecodeRequest(pdu)
			if err != nil {
				t.Fatalf("DecodeRequest: %v", err)
			}
			if !reflect.DeepEqual(got, tt.req) {
				t.Errorf("round trip: got %#v, want %#v", got, tt.req)
			}
		})
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	tests := []struct {
		name string
		pdu  []byte
	}{
		{"empty", nil},
		{"truncated session control", []byte{SIDDiagnosticSessionControl}},
		{"truncated read did", []byte{SIDReadDataByIdentifier, 0xF1}},
		{"memory write length mismatch", []byte{SIDWriteMemoryByAddress, 0x11, 0x40, 0x02, 0xAA}},
		{"memory read trailing bytes", []byte{SIDReadMemoryByAddress, 0x11, 0x40, 0x02, 0xAA}},
		{"zero address length", []byte{SIDReadMemoryByAddress, 0x10, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRequest(tt.pdu); err == nil {
				t.Errorf("DecodeRequest(% x) should fail", tt.pdu)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	pos, neg, err := ParseResponse([]byte{0x62, 0xF1, 0x90, 0x41})
	if err != nil || neg != nil {
		t.Fatalf("ParseResponse: pos=%v neg=%v err=%v", pos, neg, err)
	}
	if pos.Service != SIDReadDataByIdentifier {
		t.Errorf("service = 0x%02x, want 0x22", pos.Service)
	}
	if !reflect.DeepEqual(pos.Data, []byte{0xF1, 0x90, 0x41}) {
		t.Errorf("data = % x", pos.Data)
	}

	pos, neg, err = ParseResponse([]byte{0x7F, 0x22, 0x31})
	if err != nil || pos != nil {
		t.Fatalf("ParseResponse negative: pos=%v err=%v", pos, err)
	}
	if neg.Service != SIDReadDataByIdentifier || neg.Code != NRCRequestOutOfRange {
		t.Errorf("neg = %+v", neg)
	}

	if _, _, err := ParseResponse([]byte{0x7F, 0x22}); err == nil {
		t.Error("truncated negative response should fail")
	}
	if _, _, err := ParseResponse([]byte{0x22, 0x00}); err == nil {
		t.Error("response SID below positive offset should fail")
	}
}

func TestResponseEncodeSymmetry(t *testing.T) {
	orig := &PositiveResponse{Service: SIDRoutineControl, Data: []byte{RoutineStart, 0x02, 0x03}}
	pos, _, err := ParseResponse(orig.Encode())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if !reflect.DeepEqual(pos, orig) {
		t.Errorf("got %#v, want %#v", pos, orig)
	}

	nOrig := &NegativeResponse{Service: SIDSecurityAccess, Code: NRCInvalidKey}
	_, neg, err := ParseResponse(nOrig.Encode())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if !reflect.DeepEqual(neg, nOrig) {
		t.Errorf("got %#v, want %#v", neg, nOrig)
	}
}
