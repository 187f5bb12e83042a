package common

import (
	"fmt"
	"strings"

	"pcielink/internal/pcie"
)

// Error represents the library error object.
type Error struct {
	Code    pcie.Err
	Sev     pcie.ErrSeverity
	Tick    pcie.Tick
	Message string
}

func NewError(sev pcie.ErrSeverity, code pcie.Err) *Error {
	return &Error{
		Code: code,
		Sev:  sev,
		Tick: pcie.NoTick,
	}
}

func NewErrorMsg(sev pcie.ErrSeverity, code pcie.Err, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Tick:    pcie.NoTick,
		Message: msg,
	}
}

func NewErrorf(sev pcie.ErrSeverity, code pcie.Err, format string, args ...interface{}) *Error {
	return NewErrorMsg(sev, code, fmt.Sprintf(format, args...))
}

func NewErrorWithTickMsg(sev pcie.ErrSeverity, code pcie.Err, tick pcie.Tick, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Tick:    tick,
		Message: msg,
	}
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	switch e.Sev {
	case pcie.ErrSevNone:
		return "LIBRARY INTERNAL ERROR: Invalid Error Object"
	case pcie.ErrSevError:
		sb.WriteString("ERROR:")
	case pcie.ErrSevWarn:
		sb.WriteString("WARN :")
	case pcie.ErrSevInfo:
		sb.WriteString("INFO :")
	default:
		return "LIBRARY INTERNAL ERROR: Invalid Error Object"
	}

	sb.WriteString(fmt.Sprintf("0x%04x ", e.Code))

	if desc, ok := errorCodeDesc[e.Code]; ok {
		sb.WriteString(fmt.Sprintf("(%s) [%s]; ", desc.name, desc.msg))
	} else {
		sb.WriteString("(unknown); ")
	}

	if e.Tick != pcie.NoTick {
		sb.WriteString(fmt.Sprintf("Tick=%d; ", e.Tick))
	}

	sb.WriteString(e.Message)
	return sb.String()
}

// Is matches any *Error carrying the same code, so callers can test with
// errors.Is(err, common.ErrCode(pcie.ErrRetryBufferFull)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ErrCode returns a comparison target for errors.Is.
func ErrCode(code pcie.Err) *Error {
	return &Error{Code: code, Sev: pcie.ErrSevError, Tick: pcie.NoTick}
}

// CodeName returns the symbolic name of an error code.
func CodeName(code pcie.Err) string {
	if desc, ok := errorCodeDesc[code]; ok {
		return desc.name
	}
	return "unknown"
}

// CodeMessage returns the one-line description of an error code.
func CodeMessage(code pcie.Err) string {
	if desc, ok := errorCodeDesc[code]; ok {
		return desc.msg
	}
	return "Unknown error code."
}

type errDesc struct {
	name string
	msg  string
}

var errorCodeDesc = map[pcie.Err]errDesc{
	pcie.OK:                 {"PCIE_OK", "No Error."},
	pcie.ErrFail:            {"PCIE_ERR_FAIL", "General failure."},
	pcie.ErrNotInit:         {"PCIE_ERR_NOT_INIT", "Component not initialised."},
	pcie.ErrInvalidParamVal: {"PCIE_ERR_INVALID_PARAM_VAL", "Invalid value parameter passed to component."},
	pcie.ErrStreamRatio:     {"PCIE_ERR_STREAM_RATIO", "Misconfigured symbols-per-tick stream ratio."},
	pcie.ErrBufferDepth:     {"PCIE_ERR_BUFFER_DEPTH", "TLP buffer depth is not a power of two."},
	pcie.ErrCapChain:        {"PCIE_ERR_CAP_CHAIN", "Configuration capability chain does not terminate."},
	pcie.ErrFIFOOverflow:    {"PCIE_ERR_FIFO_OVERFLOW", "Elastic FIFO overflow; word dropped."},
	pcie.ErrRetryBufferFull: {"PCIE_ERR_RETRY_BUFFER_FULL", "Retry buffer full; TLP refused."},
	pcie.ErrNoCredits:       {"PCIE_ERR_NO_CREDITS", "Insufficient flow control credits; TLP refused."},
	pcie.ErrBadTS:           {"PCIE_ERR_BAD_TS", "Training sequence dropped."},
	pcie.ErrBadDLLP:         {"PCIE_ERR_BAD_DLLP", "DLLP dropped on CRC or framing error."},
	pcie.ErrBadLCRC:         {"PCIE_ERR_BAD_LCRC", "TLP dropped on LCRC mismatch."},
	pcie.ErrSeqGap:          {"PCIE_ERR_SEQ_GAP", "TLP dropped on sequence number gap."},
	pcie.ErrMalformedTLP:    {"PCIE_ERR_MALFORMED_TLP", "Malformed TLP."},
	pcie.ErrUnsupportedReq:  {"PCIE_ERR_UNSUPPORTED_REQ", "Unsupported request."},
	pcie.ErrProfileParse:    {"PCIE_ERR_PROFILE_PARSE", "Link profile parse error."},
	pcie.ErrLinkDown:        {"PCIE_ERR_LINK_DOWN", "Link is not up."},
	pcie.ErrLast:            {"PCIE_ERR_LAST", "No error - error code end marker"},
}
