// Package certid implements the ASN.1 attribute decoder (spec §4.9) and
// the client-certificate identity extraction it feeds (spec §4.6).
//
// original_source/crates/common/src/crypto/asn.rs performs the same
// tag-switch stringification using the third-party x509-parser/oid-registry
// crates. Go's standard library has no Rust-oid-registry equivalent
// (nothing in the example corpus provides an OID name registry either), so
// OID/RelativeOID values are rendered as dotted-decimal only — documented
// in DESIGN.md as a stdlib-only component for that reason. Every other tag
// here is decoded with encoding/asn1, which is also stdlib; this whole
// decoder is a deliberate, documented stdlib exception since no example
// repo imports a general-purpose ASN.1 library beyond what ships with Go.
package certid

import (
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Universal ASN.1 tag numbers not already exported as constants by
// encoding/asn1 (which only defines a subset).
const (
	tagBoolean         = 1
	tagInteger         = 2
	tagOctetString     = 4
	tagOID             = 6
	tagRelativeOID     = 13
	tagEnumerated      = 10
	tagUTF8String      = 12
	tagPrintableString = 19
	tagIA5String       = 22
	tagUTCTime         = 23
	tagGeneralizedTime = 24
	tagGeneralString   = 27
)

// UnsupportedTagError reports an ASN.1 universal tag this decoder does not
// handle.
type UnsupportedTagError struct {
	Tag int
}

func (e *UnsupportedTagError) Error() string {
	return fmt.Sprintf("unsupported tag %d", e.Tag)
}

// ConversionError wraps a failure converting a supported tag's raw content
// into its string form.
type ConversionError struct {
	Tag   int
	Cause error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("failed ASN.1 value conversion for tag %d: %s", e.Tag, e.Cause)
}

func (e *ConversionError) Unwrap() error { return e.Cause }

// Stringify renders an ASN.1 value's content as a printable string, for the
// tags enumerated in spec §4.9. Any other tag returns *UnsupportedTagError;
// a recognized tag whose content fails to parse returns *ConversionError.
func Stringify(raw asn1.RawValue) (string, error) {
	switch raw.Tag {
	case tagBoolean:
		if len(raw.Bytes) != 1 {
			return "", &ConversionError{Tag: raw.Tag, Cause: fmt.Errorf("BOOLEAN content must be 1 byte, got %d", len(raw.Bytes))}
		}
		return strconv.FormatBool(raw.Bytes[0] != 0), nil

	case tagEnumerated:
		return new(big.Int).SetBytes(raw.Bytes).String(), nil

	case tagGeneralizedTime:
		t, err := parseTime(raw.Bytes, []string{"20060102150405Z0700", "20060102150405Z"})
		if err != nil {
			return "", &ConversionError{Tag: raw.Tag, Cause: err}
		}
		return t.Format(time.RFC3339), nil

	case tagGeneralString, tagIA5String, tagPrintableString, tagUTF8String:
		return string(raw.Bytes), nil

	case tagInteger:
		v := new(big.Int).SetBytes(raw.Bytes)
		if !v.IsInt64() {
			return "", &ConversionError{Tag: raw.Tag, Cause: fmt.Errorf("INTEGER does not fit in i64: %s", v.String())}
		}
		return strconv.FormatInt(v.Int64(), 10), nil

	case tagOctetString:
		return hex.EncodeToString(raw.Bytes), nil

	case tagOID:
		s, err := formatAbsoluteOID(raw.Bytes)
		if err != nil {
			return "", &ConversionError{Tag: raw.Tag, Cause: err}
		}
		return s, nil

	case tagRelativeOID:
		s, err := formatRelativeOID(raw.Bytes)
		if err != nil {
			return "", &ConversionError{Tag: raw.Tag, Cause: err}
		}
		return s, nil

	case tagUTCTime:
		t, err := parseTime(raw.Bytes, []string{"060102150405Z0700", "060102150405Z"})
		if err != nil {
			return "", &ConversionError{Tag: raw.Tag, Cause: err}
		}
		return t.Format(time.RFC3339), nil

	default:
		return "", &UnsupportedTagError{Tag: raw.Tag}
	}
}

func parseTime(data []byte, layouts []string) (time.Time, error) {
	s := string(data)
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// decodeBase128 splits an OID's DER content octets into its base-128
// component values.
func decodeBase128(data []byte) ([]uint64, error) {
	var comps []uint64
	var cur uint64
	haveByte := false
	for _, b := range data {
		cur = cur<<7 | uint64(b&0x7f)
		haveByte = true
		if b&0x80 == 0 {
			comps = append(comps, cur)
			cur = 0
			haveByte = false
		}
	}
	if haveByte {
		return nil, fmt.Errorf("truncated OID encoding")
	}
	return comps, nil
}

// formatAbsoluteOID renders an ASN.1 OID's content octets as dotted decimal
// per the standard first-byte = 40*X+Y encoding.
func formatAbsoluteOID(data []byte) (string, error) {
	comps, err := decodeBase128(data)
	if err != nil {
		return "", err
	}
	if len(comps) == 0 {
		return "", fmt.Errorf("empty OID")
	}
	first := comps[0]
	var values []uint64
	if first >= 80 {
		values = append(values, 2, first-80)
	} else {
		values = append(values, first/40, first%40)
	}
	values = append(values, comps[1:]...)
	return joinUint64(values), nil
}

// formatRelativeOID renders a RELATIVE-OID's content octets as dotted
// decimal; unlike absolute OIDs there is no leading 40*X+Y component.
func formatRelativeOID(data []byte) (string, error) {
	comps, err := decodeBase128(data)
	if err != nil {
		return "", err
	}
	return joinUint64(comps), nil
}

func joinUint64(values []uint64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ".")
}
