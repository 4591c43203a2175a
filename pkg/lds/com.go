package lds

import (
	"fmt"

	"github.com/nfcdoc/emrtd/pkg/iso7816"
)

// EF.COM tags, Doc 9303-10 Section 4.6.1.
const (
	tagCOM            = 0x60
	tagLDSVersion     = 0x5F01
	tagUnicodeVersion = 0x5F36
	tagTagList        = 0x5C
)

// dgByTag maps a data group's template tag to its number.
var dgByTag = map[byte]int{
	0x61: 1, 0x75: 2, 0x63: 3, 0x76: 4, 0x65: 5, 0x66: 6, 0x67: 7, 0x68: 8,
	0x69: 9, 0x6A: 10, 0x6B: 11, 0x6C: 12, 0x6D: 13, 0x6E: 14, 0x6F: 15, 0x70: 16,
}

// COM is the decoded common data element EF.COM: the LDS and Unicode
// versions and the data groups the document carries. The list is
// informational only; EF.SOD is the authoritative source during passive
// authentication.
type COM struct {
	LDSVersion     string
	UnicodeVersion string
	DataGroups     []int
}

// ParseCOM decodes EF.COM contents.
func ParseCOM(data []byte) (*COM, error) {
	outer, rest, err := iso7816.ParseTLV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: EF.COM: %v", ErrMalformed, err)
	}
	if outer.Tag != tagCOM || len(rest) != 0 {
		return nil, fmt.Errorf("%w: EF.COM template tag 0x%X", ErrMalformed, outer.Tag)
	}

	com := &COM{}
	body := outer.Value
	for len(body) > 0 {
		var obj iso7816.TLV
		obj, body, err = iso7816.ParseTLV(body)
		if err != nil {
			return nil, fmt.Errorf("%w: EF.COM: %v", ErrMalformed, err)
		}
		switch obj.Tag {
		case tagLDSVersion:
			com.LDSVersion = string(obj.Value)
		case tagUnicodeVersion:
			com.UnicodeVersion = string(obj.Value)
		case tagTagList:
			for _, tag := range obj.Value {
				dg, ok := dgByTag[tag]
				if !ok {
					return nil, fmt.Errorf("%w: EF.COM lists unknown tag 0x%02X", ErrMalformed, tag)
				}
				com.DataGroups = append(com.DataGroups, dg)
			}
		default:
			// Future data elements are skipped.
		}
	}
	return com, nil
}
