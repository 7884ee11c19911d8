package services

import (
	"encoding/base64"
	"strings"
)

// Invisible payload alphabet. The body is pure zero-width characters; the
// Braille blank guards are visible-but-blank so carriers that strip
// all-invisible messages still deliver something.
const (
	payloadZero  = '​' // zero-width space
	payloadOne   = '‌' // zero-width non-joiner
	payloadGuard = '⠀' // Braille blank
)

// EncodeInvisible turns text into a carrier string that reads as empty.
// This is obfuscation, not encryption.
func EncodeInvisible(text string) string {
	b64 := base64.StdEncoding.EncodeToString([]byte(text))
	var sb strings.Builder
	sb.WriteRune(payloadGuard)
	for i := 0; i < len(b64); i++ {
		c := b64[i]
		for bit := 7; bit >= 0; bit-- {
			if c>>uint(bit)&1 == 1 {
				sb.WriteRune(payloadOne)
			} else {
				sb.WriteRune(payloadZero)
			}
		}
	}
	sb.WriteRune(payloadGuard)
	return sb.String()
}

// DecodeInvisible is the exact inverse of EncodeInvisible.
func DecodeInvisible(carrier string) (string, error) {
	body := strings.Trim(carrier, string(payloadGuard))
	var bits []byte
	for _, r := range body {
		switch r {
		case payloadZero:
			bits = append(bits, 0)
		case payloadOne:
			bits = append(bits, 1)
		default:
			return "", NewInvalidError("carrier contains a visible character")
		}
	}
	if len(bits)%8 != 0 {
		return "", NewInvalidError("carrier bit count is not byte-aligned")
	}

	b64 := make([]byte, 0, len(bits)/8)
	for i := 0; i < len(bits); i += 8 {
		var c byte
		for _, bit := range bits[i : i+8] {
			c = c<<1 | bit
		}
		b64 = append(b64, c)
	}
	raw, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return "", NewInvalidError("carrier body is not a payload")
	}
	return string(raw), nil
}
