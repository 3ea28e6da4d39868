// Package ssdo implements the Safety Service Data Object transport: the
// server (SSDOS) answering expedited/segmented/preload requests against
// a Safety Object Dictionary, and the client (SSDOC) driving N parallel
// request slots against a population of SSDOS instances.
package ssdo

import (
	"fmt"

	"github.com/opensafety-go/scm/pkg/sod"
)

// SaCmd is the service-access command byte carried as the first byte of
// an SSDO data header. Bit 4 is the toggle bit, bit 6 marks a segmented
// end, bit 1 marks the preload family.
type SaCmd uint8

const (
	CmdUploadInitExpedited   SaCmd = 0x20
	CmdDownloadInitExpedited SaCmd = 0x21
	CmdUploadInitSegmented   SaCmd = 0x28
	CmdDownloadInitSegmented SaCmd = 0x29
	CmdDownloadPreloadInit   SaCmd = 0x2B
	CmdUploadSegmentMid      SaCmd = 0x08
	CmdDownloadSegmentMid    SaCmd = 0x09
	CmdDownloadPreloadMid    SaCmd = 0x0B
	CmdUploadSegmentEnd      SaCmd = 0x48
	CmdDownloadSegmentEnd    SaCmd = 0x49
	CmdAbort                 SaCmd = 0x04
)

const (
	toggleBit     SaCmd = 1 << 4
	segmentEndBit SaCmd = 1 << 6
)

// Toggle reports the state of the toggle bit carried in cmd.
func (c SaCmd) Toggle() bool { return c&toggleBit != 0 }

// SegmentEnd reports whether cmd marks the last segment of a transfer.
func (c SaCmd) SegmentEnd() bool { return c&segmentEndBit != 0 }

// TR bit meaning on preload responses: an error-indicator bit signaling
// a dropped pre-mid, used both on SSDOS responses and decoded by SSDOC.
const TRErrorPreload uint8 = 1 << 0

// AbortCode is the closed taxonomy of SSDO abort reasons, carried as the
// 4-byte payload following an abort data header.
type AbortCode uint32

const (
	AbortNoError            AbortCode = 0x00000000
	AbortCmdIDInvalid       AbortCode = 0x05040001
	AbortLenDoesNotMatch    AbortCode = 0x06070013
	AbortGenParamIncompat   AbortCode = 0x06040043
	AbortBlockSizeInvalid   AbortCode = 0x05040002
	AbortPresentDeviceState AbortCode = 0x08000022
	AbortObjNotReadable     AbortCode = 0x06010001
	AbortSSDOTimeout        AbortCode = 0x05040000
	AbortGeneralError       AbortCode = 0x08000000
)

var abortDescriptions = map[AbortCode]string{
	AbortNoError:            "no error",
	AbortCmdIDInvalid:       "command specifier not valid or unknown",
	AbortLenDoesNotMatch:    "data length does not match",
	AbortGenParamIncompat:   "general parameter incompatibility",
	AbortBlockSizeInvalid:   "invalid preload queue size",
	AbortPresentDeviceState: "write refused in present device state",
	AbortObjNotReadable:     "attempt to read a write-only object",
	AbortSSDOTimeout:        "SSDO protocol timed out",
	AbortGeneralError:       "general error",
}

func (a AbortCode) Error() string {
	return fmt.Sprintf("ssdo abort x%08x: %s", uint32(a), a.Description())
}

// Description returns the human-readable reason, falling back to the
// general-error text for codes outside the documented taxonomy.
func (a AbortCode) Description() string {
	if d, ok := abortDescriptions[a]; ok {
		return d
	}
	return abortDescriptions[AbortGeneralError]
}

// sodToAbort mirrors the teacher's od-to-sdo-abort conversion table,
// narrowed to the ODR values this package's call sites can observe.
var sodToAbort = map[sod.ODR]AbortCode{
	sod.ErrUnsuppAccess:       AbortGenParamIncompat,
	sod.ErrWriteOnly:          AbortObjNotReadable,
	sod.ErrReadOnly:           AbortPresentDeviceState,
	sod.ErrIdxNotExist:        AbortGenParamIncompat,
	sod.ErrSubNotExist:        AbortGenParamIncompat,
	sod.ErrTypeMismatch:       AbortLenDoesNotMatch,
	sod.ErrDataLong:           AbortLenDoesNotMatch,
	sod.ErrDataShort:          AbortLenDoesNotMatch,
	sod.ErrInvalidValue:       AbortGenParamIncompat,
	sod.ErrLocked:             AbortPresentDeviceState,
	sod.ErrPresentDeviceState: AbortPresentDeviceState,
	sod.ErrNoData:             AbortObjNotReadable,
}

// ConvertSodToAbort maps a Safety Object Dictionary error to the SSDO
// abort code reported back to the requester. Unmapped errors fall back
// to a general error, never to a success code.
func ConvertSodToAbort(err sod.ODR) AbortCode {
	if err == sod.ErrOK {
		return AbortNoError
	}
	if code, ok := sodToAbort[err]; ok {
		return code
	}
	return AbortGeneralError
}
