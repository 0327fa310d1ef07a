package pmtiles

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// tileCacheControl is sent with every tile: archives are never rewritten in place.
const tileCacheControl = "public, max-age=31536000, immutable"

// tileEncoder turns a stored tile into a response body, setting the
// Content-Encoding header when the body stays compressed.
type tileEncoder interface {
	encode(tile TileResult, headers map[string]string) ([]byte, error)
}

func newTileEncoder(forwardCompressed bool) (tileEncoder, error) {
	if forwardCompressed {
		return forwardEncoder{}, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}
	return decompressEncoder{zstd: dec}, nil
}

// forwardEncoder sends bytes exactly as stored and declares their encoding.
type forwardEncoder struct{}

func (forwardEncoder) encode(tile TileResult, headers map[string]string) ([]byte, error) {
	if enc, ok := headerContentEncoding(tile.Compression); ok {
		headers["Content-Encoding"] = enc
	}
	return tile.Data, nil
}

// decompressEncoder sends gzip and zstd tiles uncompressed. Brotli has no
// decoder in the stack and is forwarded with its encoding declared.
type decompressEncoder struct {
	zstd *zstd.Decoder
}

func (d decompressEncoder) encode(tile TileResult, headers map[string]string) ([]byte, error) {
	switch tile.Compression {
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(tile.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip tile: %w", ErrIO, err)
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip tile: %w", ErrIO, err)
		}
		return b, nil
	case Zstd:
		b, err := d.zstd.DecodeAll(tile.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd tile: %w", ErrIO, err)
		}
		return b, nil
	case Brotli:
		headers["Content-Encoding"] = "br"
		return tile.Data, nil
	default:
		return tile.Data, nil
	}
}

func uintToBytes(n uint64) []byte {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, n)
	return bs
}

func generateEtag(data []byte) string {
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(uintToBytes(xxhash.Sum64(data))))
}

// tileHeaders sets the headers of a 200 tile response.
func tileHeaders(tile TileResult, body []byte, headers map[string]string) {
	if contentType, ok := headerContentType(tile.TileType); ok {
		headers["Content-Type"] = contentType
	} else {
		headers["Content-Type"] = "application/octet-stream"
	}
	headers["Cache-Control"] = tileCacheControl
	headers["ETag"] = generateEtag(body)
}

type errorBody struct {
	Error     string   `json:"error"`
	Available []string `json:"available,omitempty"`
}

func jsonResponse(headers map[string]string, status int, v interface{}) (int, map[string]string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"Failed to encode response"}`)
	}
	headers["Content-Type"] = "application/json; charset=utf-8"
	return status, headers, body
}

// errorStatus maps a request failure to its status and public message.
// Messages never carry the underlying error, which may name internal paths.
func errorStatus(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Source not found"
	case errors.Is(err, ErrInvalidCoordinate):
		return http.StatusBadRequest, "Invalid tile coordinate"
	case errors.Is(err, ErrMetadata):
		return http.StatusInternalServerError, "Failed to get metadata"
	default:
		return http.StatusInternalServerError, fallback
	}
}
