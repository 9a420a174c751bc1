package cryptoutils

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_WireFormat(t *testing.T) {
	env := &Envelope{
		Version:    envelopeVersion,
		Algorithm:  AES256GCM,
		KeyID:      "prod",
		Nonce:      bytes.Repeat([]byte{0xaa}, 12),
		Ciphertext: []byte("ciphertext"),
		Tag:        bytes.Repeat([]byte{0xbb}, tagSize),
	}

	raw, err := env.MarshalBinary()
	require.NoError(t, err)

	// magic, version, alg, key id, nonce, length-prefixed ciphertext, tag
	assert.Equal(t, []byte("CSE\x01"), raw[:4])
	assert.Equal(t, byte(1), raw[4])
	assert.Equal(t, byte(AES256GCM), raw[5])
	assert.Equal(t, byte(4), raw[6])
	assert.Equal(t, "prod", string(raw[7:11]))
	assert.Equal(t, byte(12), raw[11])
	assert.Equal(t, []byte{0, 0, 0, 10}, raw[24:28])
	assert.Len(t, raw, 4+1+1+1+4+1+12+4+10+tagSize)

	var parsed Envelope
	require.NoError(t, parsed.UnmarshalBinary(raw))
	assert.Equal(t, *env, parsed)
}

func TestEnvelope_RejectsMalformedInput(t *testing.T) {
	key := newTestKey(t, "k1", AES256GCM)
	env, err := Encrypt([]byte("hello"), key)
	require.NoError(t, err)
	raw, err := env.MarshalBinary()
	require.NoError(t, err)

	badVersion := bytes.Clone(raw)
	badVersion[4] = 7

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "bad magic", data: append([]byte("XXXX"), raw[4:]...)},
		{name: "truncated", data: raw[:len(raw)-1]},
		{name: "trailing bytes", data: append(bytes.Clone(raw), 0x00)},
		{name: "unsupported version", data: badVersion},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var e Envelope
			err := e.UnmarshalBinary(tc.data)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestLooksLikeEnvelope(t *testing.T) {
	key := newTestKey(t, "k1", AES256GCM)
	text, err := EncryptText([]byte("db_password=xyz"), key)
	require.NoError(t, err)

	foreign := "{enc:" + base64.StdEncoding.EncodeToString([]byte("not an envelope at all")) + "}"

	testCases := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{name: "armored envelope", data: text, expected: true},
		{name: "trailing newline", data: append(bytes.Clone(text), '\n'), expected: true},
		{name: "surrounding whitespace", data: []byte("  \n" + string(text) + "\r\n"), expected: true},
		{name: "plain text", data: []byte("db_password=xyz"), expected: false},
		{name: "embedded token", data: []byte("password=" + string(text)), expected: false},
		{name: "two tokens", data: append(bytes.Clone(text), text...), expected: false},
		{name: "token without magic", data: []byte(foreign), expected: false},
		{name: "empty", data: nil, expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, LooksLikeEnvelope(tc.data))
		})
	}
}
