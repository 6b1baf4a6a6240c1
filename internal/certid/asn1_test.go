package certid

import (
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalRaw(t *testing.T, v interface{}) asn1.RawValue {
	t.Helper()
	data, err := asn1.Marshal(v)
	require.NoError(t, err)
	var raw asn1.RawValue
	_, err = asn1.Unmarshal(data, &raw)
	require.NoError(t, err)
	return raw
}

func TestStringifyBoolean(t *testing.T) {
	raw := marshalRaw(t, true)
	s, err := Stringify(raw)
	require.NoError(t, err)
	assert.Equal(t, "true", s)
}

func TestStringifyInteger(t *testing.T) {
	raw := marshalRaw(t, 42)
	s, err := Stringify(raw)
	require.NoError(t, err)
	assert.Equal(t, "42", s)
}

func TestStringifyOctetString(t *testing.T) {
	raw := marshalRaw(t, []byte{0xde, 0xad, 0xbe, 0xef})
	s, err := Stringify(raw)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", s)
}

func TestStringifyUTF8String(t *testing.T) {
	raw := marshalRaw(t, asn1.RawValue{Class: asn1.ClassUniversal, Tag: tagUTF8String, Bytes: []byte("hello")})
	s, err := Stringify(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestStringifyOID(t *testing.T) {
	raw := marshalRaw(t, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11})
	s, err := Stringify(raw)
	require.NoError(t, err)
	assert.Equal(t, "1.2.840.113549.1.1.11", s)
}

func TestStringifyUnsupportedTag(t *testing.T) {
	raw := asn1.RawValue{Class: asn1.ClassUniversal, Tag: 99, Bytes: []byte{1}}
	_, err := Stringify(raw)
	require.Error(t, err)
	var uerr *UnsupportedTagError
	assert.ErrorAs(t, err, &uerr)
	assert.Equal(t, 99, uerr.Tag)
}

func TestStringifyIntegerOverflowConversionError(t *testing.T) {
	big := make([]byte, 16)
	for i := range big {
		big[i] = 0xff
	}
	raw := asn1.RawValue{Class: asn1.ClassUniversal, Tag: tagInteger, Bytes: big}
	_, err := Stringify(raw)
	require.Error(t, err)
	var cerr *ConversionError
	assert.ErrorAs(t, err, &cerr)
}
