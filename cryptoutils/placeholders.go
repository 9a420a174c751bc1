package cryptoutils

import "regexp"

// rePlaceholder matches {enc:<plaintext>} placeholders written by hand into a
// file. Plaintexts span a single line and contain no braces.
var rePlaceholder = regexp.MustCompile(`\{enc:([^{}\r\n]*)\}`)

// SealPlaceholders replaces every {enc:<plaintext>} placeholder in data by the
// armored envelope of its plaintext sealed under key, and returns the number of
// placeholders sealed. Placeholders that already hold an envelope are kept as
// is, so a file can be sealed again after new placeholders are added.
//
// On error nothing is returned.
func SealPlaceholders(data []byte, key *KeyMaterial) ([]byte, int, error) {
	var (
		firstErr error
		sealed   int
	)
	out := rePlaceholder.ReplaceAllFunc(data, func(placeholder []byte) []byte {
		if firstErr != nil {
			return nil
		}
		plaintext := placeholder[len(armorPrefix) : len(placeholder)-len(armorSuffix)]
		if reArmoredToken.Match(placeholder) && hasMagic(plaintext) {
			return placeholder
		}

		token, err := EncryptText(plaintext, key)
		if err != nil {
			firstErr = err
			return nil
		}
		sealed++
		return token
	})
	if firstErr != nil {
		Wipe(out)
		return nil, 0, firstErr
	}
	return out, sealed, nil
}
