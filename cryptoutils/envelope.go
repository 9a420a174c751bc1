package cryptoutils

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"regexp"
)

// Envelope binary layout (big endian):
//
//	magic(4) | version(1) | alg(1) | keyIDLen(1) | keyID | nonceLen(1) | nonce | ctLen(4) | ciphertext | tag(16)
const (
	envelopeVersion = 1
	tagSize         = 16
)

var envelopeMagic = []byte{'C', 'S', 'E', 0x01}

// Armor delimiters of the text form committed into repositories.
const (
	armorPrefix = "{enc:"
	armorSuffix = "}"
)

var reArmoredToken = regexp.MustCompile(`\{enc:([A-Za-z0-9+/]+={0,2})\}`)

// Envelope is a self-describing encrypted unit. Envelopes are immutable once produced.
type Envelope struct {
	Version    uint8
	Algorithm  Algorithm
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// header returns the fields authenticated as associated data.
func (e *Envelope) header() []byte {
	h := make([]byte, 0, len(envelopeMagic)+3+len(e.KeyID))
	h = append(h, envelopeMagic...)
	h = append(h, e.Version, byte(e.Algorithm), byte(len(e.KeyID)))
	h = append(h, e.KeyID...)
	return h
}

// MarshalBinary encodes the envelope in its binary wire format.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if len(e.KeyID) == 0 || len(e.KeyID) > MaxKeyIDLength {
		return nil, fmt.Errorf("%w: key id length %d", ErrMalformedEnvelope, len(e.KeyID))
	}
	if len(e.Nonce) == 0 || len(e.Nonce) > 255 {
		return nil, fmt.Errorf("%w: nonce length %d", ErrMalformedEnvelope, len(e.Nonce))
	}
	if len(e.Tag) != tagSize {
		return nil, fmt.Errorf("%w: tag length %d", ErrMalformedEnvelope, len(e.Tag))
	}

	out := e.header()
	out = append(out, byte(len(e.Nonce)))
	out = append(out, e.Nonce...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.Ciphertext)))
	out = append(out, e.Ciphertext...)
	out = append(out, e.Tag...)
	return out, nil
}

// UnmarshalBinary parses the binary wire format. Every field is length checked
// so that truncated or padded input is rejected.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	r := envelopeReader{buf: data}

	magic := r.next(len(envelopeMagic))
	if r.err != nil || !bytes.Equal(magic, envelopeMagic) {
		return fmt.Errorf("%w: bad magic", ErrMalformedEnvelope)
	}

	version := r.byte()
	alg := r.byte()
	keyID := r.next(int(r.byte()))
	nonce := r.next(int(r.byte()))
	ctLen := r.uint32()
	ciphertext := r.next(int(ctLen))
	tag := r.next(tagSize)
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedEnvelope, len(r.buf))
	}
	if version != envelopeVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, version)
	}
	if len(keyID) == 0 {
		return fmt.Errorf("%w: empty key id", ErrMalformedEnvelope)
	}

	*e = Envelope{
		Version:    version,
		Algorithm:  Algorithm(alg),
		KeyID:      string(keyID),
		Nonce:      bytes.Clone(nonce),
		Ciphertext: bytes.Clone(ciphertext),
		Tag:        bytes.Clone(tag),
	}
	return nil
}

// MarshalText returns the armored form {enc:<base64>}.
func (e *Envelope) MarshalText() ([]byte, error) {
	raw, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(armorPrefix)+base64.StdEncoding.EncodedLen(len(raw))+len(armorSuffix))
	out = append(out, armorPrefix...)
	out = base64.StdEncoding.AppendEncode(out, raw)
	out = append(out, armorSuffix...)
	return out, nil
}

// UnmarshalText parses the armored form. Leading and trailing whitespace is ignored.
func (e *Envelope) UnmarshalText(text []byte) error {
	text = bytes.TrimSpace(text)
	if !bytes.HasPrefix(text, []byte(armorPrefix)) || !bytes.HasSuffix(text, []byte(armorSuffix)) {
		return fmt.Errorf("%w: missing armor", ErrMalformedEnvelope)
	}
	payload := text[len(armorPrefix) : len(text)-len(armorSuffix)]

	raw, err := base64.StdEncoding.AppendDecode(nil, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return e.UnmarshalBinary(raw)
}

// String returns the armored form, or an empty string for an invalid envelope.
func (e *Envelope) String() string {
	text, err := e.MarshalText()
	if err != nil {
		return ""
	}
	return string(text)
}

// ParseEnvelope parses an armored envelope.
func ParseEnvelope(text []byte) (*Envelope, error) {
	var e Envelope
	if err := e.UnmarshalText(text); err != nil {
		return nil, err
	}
	return &e, nil
}

// LooksLikeEnvelope reports whether data consists of exactly one armored envelope
// carrying the envelope magic, ignoring surrounding whitespace.
func LooksLikeEnvelope(data []byte) bool {
	text := bytes.TrimSpace(data)
	loc := reArmoredToken.FindSubmatchIndex(text)
	if loc == nil || loc[0] != 0 || loc[1] != len(text) {
		return false
	}
	return hasMagic(text[loc[2]:loc[3]])
}

// ContainsEnvelopes reports whether data embeds at least one armored envelope.
func ContainsEnvelopes(data []byte) bool {
	for _, m := range reArmoredToken.FindAllSubmatch(data, -1) {
		if hasMagic(m[1]) {
			return true
		}
	}
	return false
}

// hasMagic checks the decoded prefix of a base64 payload against the envelope magic.
func hasMagic(payload []byte) bool {
	// 8 base64 characters decode to 6 bytes, enough to cover the magic.
	if len(payload) < 8 {
		return false
	}
	prefix, err := base64.StdEncoding.DecodeString(string(payload[:8]))
	if err != nil {
		return false
	}
	return bytes.HasPrefix(prefix, envelopeMagic)
}

type envelopeReader struct {
	buf []byte
	err error
}

func (r *envelopeReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = fmt.Errorf("%w: truncated", ErrMalformedEnvelope)
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *envelopeReader) byte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *envelopeReader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
