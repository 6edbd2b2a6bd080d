package channel

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
)

// gzipMagic is the two-byte gzip header, used to distinguish compressed
// payloads from plain ones on receive since compression is opportunistic
// and threshold-gated rather than always-on.
var gzipMagic = []byte{0x1f, 0x8b}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maybeGunzip decompresses data if it looks like a gzip stream, and returns
// it unchanged otherwise.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != gzipMagic[0] || data[1] != gzipMagic[1] {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
