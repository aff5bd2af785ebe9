// Package uds implements the ISO 14229 service layer: PDU encoding and
// decoding, the client-side session/security state machine, and the
// standard-mandated negative-response retry policy.
package uds

import "fmt"

// Service identifiers (ISO 14229-1).
const (
	SIDDiagnosticSessionControl = 0x10
	SIDECUReset                 = 0x11
	SIDClearDiagnosticInfo      = 0x14
	SIDReadDTCInformation       = 0x19
	SIDReadDataByIdentifier     = 0x22
	SIDReadMemoryByAddress      = 0x23
	SIDSecurityAccess           = 0x27
	SIDWriteDataByIdentifier    = 0x2E
	SIDRoutineControl           = 0x31
	SIDWriteMemoryByAddress     = 0x3D
	SIDTesterPresent            = 0x3E
	SIDControlDTCSetting        = 0x85
)

// PositiveResponseOffset is added to the request SID in positive responses.
const PositiveResponseOffset = 0x40

// NegativeResponseSID introduces every negative response PDU.
const NegativeResponseSID = 0x7F

// Diagnostic sessions. Vendor specific ids occupy 0x40-0x5F and 0x60-0x7E.
const (
	SessionDefault     = 0x01
	SessionProgramming = 0x02
	SessionExtended    = 0x03
	SessionSafety      = 0x04
)

// ECU reset types.
const (
	ResetHardReset              = 0x01
	ResetKeyOffOn               = 0x02
	ResetSoftReset              = 0x03
	ResetEnableRapidPowerDown   = 0x04
	ResetDisableRapidPowerDown  = 0x05
)

// RoutineControl sub-functions.
const (
	RoutineStart          = 0x01
	RoutineStop           = 0x02
	RoutineRequestResults = 0x03
)

// ReadDTCInformation sub-functions (subset used by the scanners).
const (
	DTCReportNumberByStatusMask = 0x01
	DTCReportByStatusMask       = 0x02
)

// ControlDTCSetting sub-functions.
const (
	DTCSettingOn  = 0x01
	DTCSettingOff = 0x02
)

// TesterPresent zeroSubFunction with the suppress-positive-response bit.
const (
	TesterPresentZeroSubFunc = 0x00
	SuppressPosRspMsgBit     = 0x80
)

// Negative response codes.
const (
	NRCGeneralReject                          = 0x10
	NRCServiceNotSupported                    = 0x11
	NRCSubFunctionNotSupported                = 0x12
	NRCIncorrectMessageLength                 = 0x13
	NRCResponseTooLong                        = 0x14
	NRCBusyRepeatRequest                      = 0x21
	NRCConditionsNotCorrect                   = 0x22
	NRCRequestSequenceError                   = 0x24
	NRCRequestOutOfRange                      = 0x31
	NRCSecurityAccessDenied                   = 0x33
	NRCInvalidKey                             = 0x35
	NRCExceededNumberOfAttempts               = 0x36
	NRCRequiredTimeDelayNotExpired            = 0x37
	NRCUploadDownloadNotAccepted              = 0x70
	NRCGeneralProgrammingFailure              = 0x72
	NRCRequestCorrectlyReceivedRspPending     = 0x78
	NRCSubFunctionNotSupportedInActiveSession = 0x7E
	NRCServiceNotSupportedInActiveSession     = 0x7F
)

var nrcNames = map[byte]string{
	NRCGeneralReject:                          "generalReject",
	NRCServiceNotSupported:                    "serviceNotSupported",
	NRCSubFunctionNotSupported:                "subFunctionNotSupported",
	NRCIncorrectMessageLength:                 "incorrectMessageLengthOrInvalidFormat",
	NRCResponseTooLong:                        "responseTooLong",
	NRCBusyRepeatRequest:                      "busyRepeatRequest",
	NRCConditionsNotCorrect:                   "conditionsNotCorrect",
	NRCRequestSequenceError:                   "requestSequenceError",
	NRCRequestOutOfRange:                      "requestOutOfRange",
	NRCSecurityAccessDenied:                   "securityAccessDenied",
	NRCInvalidKey:                             "invalidKey",
	NRCExceededNumberOfAttempts:               "exceededNumberOfAttempts",
	NRCRequiredTimeDelayNotExpired:            "requiredTimeDelayNotExpired",
	NRCUploadDownloadNotAccepted:              "uploadDownloadNotAccepted",
	NRCGeneralProgrammingFailure:              "generalProgrammingFailure",
	NRCRequestCorrectlyReceivedRspPending:     "requestCorrectlyReceivedResponsePending",
	NRCSubFunctionNotSupportedInActiveSession: "subFunctionNotSupportedInActiveSession",
	NRCServiceNotSupportedInActiveSession:     "serviceNotSupportedInActiveSession",
}

// NRCName returns the standard name of a negative response code.
func NRCName(code byte) string {
	if name, ok := nrcNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", code)
}

var serviceNames = map[byte]string{
	SIDDiagnosticSessionControl: "DiagnosticSessionControl",
	SIDECUReset:                 "ECUReset",
	SIDClearDiagnosticInfo:      "ClearDiagnosticInformation",
	SIDReadDTCInformation:       "ReadDTCInformation",
	SIDReadDataByIdentifier:     "ReadDataByIdentifier",
	SIDReadMemoryByAddress:      "ReadMemoryByAddress",
	SIDSecurityAccess:           "SecurityAccess",
	SIDWriteDataByIdentifier:    "WriteDataByIdentifier",
	SIDRoutineControl:           "RoutineControl",
	SIDWriteMemoryByAddress:     "WriteMemoryByAddress",
	SIDTesterPresent:            "TesterPresent",
	SIDControlDTCSetting:        "ControlDTCSetting",
}

// ServiceName returns the ISO name of a service id.
func ServiceName(sid byte) string {
	if name, ok := serviceNames[sid]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", sid)
}

// SuggestsServiceNotSupported reports whether the NRC indicates the service
// as a whole is unavailable, rather than the probed identifier.
func SuggestsServiceNotSupported(code byte) bool {
	switch code {
	case NRCServiceNotSupported, NRCServiceNotSupportedInActiveSession:
		return true
	}
	return false
}
