package transfer

import (
	"bytes"
	"encoding/base64"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is the decoded prefix handed to mimetype; 512 bytes covers the
// magic numbers of every image format browsers upload.
const sniffLen = 512

// sniffContent reports the content type detected from the decoded payload and
// the type declared by a data URL header, if any. Payloads are text: either a
// data URL or bare base64. Anything that does not decode is sniffed as is.
func sniffContent(payload []byte) (detected *mimetype.MIME, declared string) {
	body := payload
	encoded := true

	if rest, ok := bytes.CutPrefix(payload, []byte("data:")); ok {
		header, data, found := bytes.Cut(rest, []byte(","))
		if found {
			mediaType, params, _ := bytes.Cut(header, []byte(";"))
			declared = string(mediaType)
			encoded = bytes.Contains(params, []byte("base64"))
			body = data
		}
	}

	magic := body
	if encoded {
		if decoded, ok := decodePrefix(body); ok {
			magic = decoded
		}
	}
	return mimetype.Detect(magic), declared
}

// decodePrefix base64-decodes just enough of s to cover sniffLen bytes.
func decodePrefix(s []byte) ([]byte, bool) {
	n := min(len(s), base64.StdEncoding.EncodedLen(sniffLen))
	n -= n % 4
	if n == 0 {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		out := make([]byte, enc.DecodedLen(n))
		written, err := enc.Decode(out, s[:n])
		if err == nil {
			return out[:written], true
		}
	}
	return nil, false
}

// matchesDeclared reports whether detected, or a type it specializes,
// equals the declared type. An absent declaration always matches.
func matchesDeclared(detected *mimetype.MIME, declared string) bool {
	if declared == "" {
		return true
	}
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(declared) {
			return true
		}
	}
	return false
}
