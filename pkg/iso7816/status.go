package iso7816

import "fmt"

// Status words (ISO 7816-4 Table 6, ICAO Doc 9303-10).
const (
	SWSuccess              uint16 = 0x9000
	SWSecurityNotSatisfied uint16 = 0x6982
	SWAuthMethodBlocked    uint16 = 0x6983
	SWSMObjectsMissing     uint16 = 0x6987
	SWSMObjectsIncorrect   uint16 = 0x6988
	SWWrongLength          uint16 = 0x6700
	SWFileNotFound         uint16 = 0x6A82
	SWIncorrectP1P2        uint16 = 0x6A86
	SWEndOfFile            uint16 = 0x6282
)

// IsSuccess reports whether sw is a success status, including the
// 0x61xx "data remaining" family.
func IsSuccess(sw uint16) bool {
	return sw == SWSuccess || sw&0xFF00 == 0x6100
}

// StatusError reports an unexpected status word from the chip. The raw
// status word is carried for caller diagnosis.
type StatusError struct {
	INS byte   // command instruction that failed
	SW  uint16 // raw status word
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("iso7816: command 0x%02X failed with SW=0x%04X (%s)", e.INS, e.SW, swDescription(e.SW))
}

// swDescription names well-known status words for log readability.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWSecurityNotSatisfied:
		return "security status not satisfied"
	case SWAuthMethodBlocked:
		return "authentication method blocked"
	case SWSMObjectsMissing:
		return "expected secure messaging objects missing"
	case SWSMObjectsIncorrect:
		return "secure messaging objects incorrect"
	case SWWrongLength:
		return "wrong length"
	case SWFileNotFound:
		return "file not found"
	case SWIncorrectP1P2:
		return "incorrect P1/P2"
	case SWEndOfFile:
		return "end of file reached before Le"
	default:
		if sw&0xFF00 == 0x6100 {
			return "data remaining"
		}
		return "unknown"
	}
}
