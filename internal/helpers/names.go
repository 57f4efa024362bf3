// Package helpers holds name conversions shared by the filesystem parsers
package helpers

import (
	"bytes"
	"strings"
	"unicode"

	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
)

var utf16le = xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM)

// DecodeUTF16 converts little-endian UTF-16 bytes to a string. Decoding
// stops at the first NUL unit.
func DecodeUTF16(b []byte) string {
	b = b[:len(b)&^1]
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// EncodeUTF16 converts a string to little-endian UTF-16 bytes
func EncodeUTF16(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}

// DecodeOEM converts code page 437 bytes to a string
func DecodeOEM(b []byte) string {
	out, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// UpperOEMChar returns the upper-case code page 437 byte for r, or
// fallback when r has no single byte form.
func UpperOEMChar(r rune, fallback byte) byte {
	r = unicode.ToUpper(r)
	if r < 0x80 {
		return byte(r)
	}
	if b, ok := charmap.CodePage437.EncodeRune(r); ok {
		return b
	}
	return fallback
}

// ShortName renders an 11 byte 8.3 directory name as "BASE.EXT". The base
// and the extension are lower-cased when the matching flags are set.
func ShortName(raw [11]byte, lowerBase, lowerExt bool) string {
	base := DecodeOEM(bytes.TrimRight(raw[:8], " "))
	ext := DecodeOEM(bytes.TrimRight(raw[8:], " "))
	if lowerBase {
		base = strings.ToLower(base)
	}
	if lowerExt {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}
