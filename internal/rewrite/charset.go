package rewrite

import (
	"strings"

	"golang.org/x/net/html/charset"
)

// ToUTF8 converts an HTML document to UTF-8 using the Content-Type charset,
// a BOM or <meta> declarations, in that order of precedence. It returns the
// detected encoding name and whether the bytes were converted.
func ToUTF8(doc []byte, contentType string) ([]byte, string, bool) {
	enc, name, _ := charset.DetermineEncoding(doc, contentType)
	if name == "utf-8" || enc == nil {
		return doc, name, false
	}
	// ASCII reads the same in every ASCII-compatible charset.
	if !strings.HasPrefix(name, "utf-16") && isASCII(doc) {
		return doc, name, false
	}
	out, err := enc.NewDecoder().Bytes(doc)
	if err != nil {
		return doc, name, false
	}
	return out, name, true
}

func isASCII(p []byte) bool {
	for _, c := range p {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
