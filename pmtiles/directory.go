package pmtiles

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

// Compression is the compression algorithm applied to individual tiles (or none)
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

// TileType is the format of individual tile contents in the archive.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
	Avif            TileType = 5
)

// HeaderV3LenBytes is the fixed-size binary header size.
const HeaderV3LenBytes = 127

// HeaderV3 is a binary header for PMTiles specification version 3.
type HeaderV3 struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

func headerContentType(tileType TileType) (string, bool) {
	switch tileType {
	case Mvt:
		return "application/x-protobuf", true
	case Png:
		return "image/png", true
	case Jpeg:
		return "image/jpeg", true
	case Webp:
		return "image/webp", true
	case Avif:
		return "image/avif", true
	default:
		return "", false
	}
}

func headerContentEncoding(compression Compression) (string, bool) {
	switch compression {
	case Gzip:
		return "gzip", true
	case Brotli:
		return "br", true
	case Zstd:
		return "zstd", true
	default:
		return "", false
	}
}

func (t TileType) String() string {
	switch t {
	case Mvt:
		return "Vector Protobuf (MVT)"
	case Png:
		return "Raster PNG"
	case Jpeg:
		return "Raster Jpeg"
	case Webp:
		return "Raster WebP"
	case Avif:
		return "Raster AVIF"
	default:
		return "Unknown"
	}
}

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// EntryV3 is an entry in a PMTiles spec version 3 directory.
type EntryV3 struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// decompressInternal undoes the archive-wide compression applied to directories and metadata.
func decompressInternal(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case NoCompression:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported internal compression %s", compression)
	}
}

func deserializeEntries(data []byte, compression Compression) ([]EntryV3, error) {
	raw, err := decompressInternal(data, compression)
	if err != nil {
		return nil, fmt.Errorf("decompressing directory: %w", err)
	}
	byteReader := bufio.NewReader(bytes.NewReader(raw))

	numEntries, err := binary.ReadUvarint(byteReader)
	if err != nil {
		return nil, fmt.Errorf("reading directory length: %w", err)
	}
	// every entry needs at least one byte per column
	if numEntries > uint64(len(raw)) {
		return nil, fmt.Errorf("directory claims %d entries in %d bytes", numEntries, len(raw))
	}

	entries := make([]EntryV3, numEntries)
	next := func() (uint64, error) {
		v, err := binary.ReadUvarint(byteReader)
		if err != nil {
			return 0, fmt.Errorf("truncated directory: %w", err)
		}
		return v, nil
	}

	lastID := uint64(0)
	for i := range entries {
		tmp, err := next()
		if err != nil {
			return nil, err
		}
		lastID += tmp
		entries[i].TileID = lastID
	}

	for i := range entries {
		runLength, err := next()
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(runLength)
	}

	for i := range entries {
		length, err := next()
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(length)
	}

	for i := range entries {
		tmp, err := next()
		if err != nil {
			return nil, err
		}
		if i > 0 && tmp == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = tmp - 1
		}
	}

	return entries, nil
}

func findTile(entries []EntryV3, tileID uint64) (EntryV3, bool) {
	m := 0
	n := len(entries) - 1
	for m <= n {
		k := (n + m) >> 1
		if tileID > entries[k].TileID {
			m = k + 1
		} else if tileID < entries[k].TileID {
			n = k - 1
		} else {
			return entries[k], true
		}
	}

	// at this point, m > n
	if n >= 0 {
		if entries[n].RunLength == 0 {
			return entries[n], true
		}
		if tileID-entries[n].TileID < uint64(entries[n].RunLength) {
			return entries[n], true
		}
	}
	return EntryV3{}, false
}

func deserializeHeader(d []byte) (HeaderV3, error) {
	h := HeaderV3{}
	if len(d) < HeaderV3LenBytes {
		if len(d) >= 3 && string(d[0:2]) == "PM" && d[2] < 3 {
			return h, fmt.Errorf("PMTiles version %d detected; convert the archive to version 3", d[2])
		}
		return h, fmt.Errorf("header is %d bytes, expected %d", len(d), HeaderV3LenBytes)
	}
	if string(d[0:7]) != "PMTiles" {
		if string(d[0:2]) == "PM" {
			return h, fmt.Errorf("PMTiles version %d detected; convert the archive to version 3", d[2])
		}
		return h, fmt.Errorf("magic number not detected. confirm this is a PMTiles archive")
	}

	specVersion := d[7]
	if specVersion > uint8(3) {
		return h, fmt.Errorf("archive is spec version %d, but this program only supports version 3", specVersion)
	}

	h.SpecVersion = specVersion
	h.RootOffset = binary.LittleEndian.Uint64(d[8 : 8+8])
	h.RootLength = binary.LittleEndian.Uint64(d[16 : 16+8])
	h.MetadataOffset = binary.LittleEndian.Uint64(d[24 : 24+8])
	h.MetadataLength = binary.LittleEndian.Uint64(d[32 : 32+8])
	h.LeafDirectoryOffset = binary.LittleEndian.Uint64(d[40 : 40+8])
	h.LeafDirectoryLength = binary.LittleEndian.Uint64(d[48 : 48+8])
	h.TileDataOffset = binary.LittleEndian.Uint64(d[56 : 56+8])
	h.TileDataLength = binary.LittleEndian.Uint64(d[64 : 64+8])
	h.AddressedTilesCount = binary.LittleEndian.Uint64(d[72 : 72+8])
	h.TileEntriesCount = binary.LittleEndian.Uint64(d[80 : 80+8])
	h.TileContentsCount = binary.LittleEndian.Uint64(d[88 : 88+8])
	h.Clustered = (d[96] == 0x1)
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(binary.LittleEndian.Uint32(d[102 : 102+4]))
	h.MinLatE7 = int32(binary.LittleEndian.Uint32(d[106 : 106+4]))
	h.MaxLonE7 = int32(binary.LittleEndian.Uint32(d[110 : 110+4]))
	h.MaxLatE7 = int32(binary.LittleEndian.Uint32(d[114 : 114+4]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(binary.LittleEndian.Uint32(d[119 : 119+4]))
	h.CenterLatE7 = int32(binary.LittleEndian.Uint32(d[123 : 123+4]))

	if h.MinZoom > h.MaxZoom {
		return h, fmt.Errorf("header min zoom %d exceeds max zoom %d", h.MinZoom, h.MaxZoom)
	}
	if h.RootLength == 0 {
		return h, fmt.Errorf("header has empty root directory")
	}
	for _, section := range []struct {
		name           string
		offset, length uint64
	}{
		{"root directory", h.RootOffset, h.RootLength},
		{"metadata", h.MetadataOffset, h.MetadataLength},
		{"leaf directories", h.LeafDirectoryOffset, h.LeafDirectoryLength},
		{"tile data", h.TileDataOffset, h.TileDataLength},
	} {
		if section.length > math.MaxUint64-section.offset {
			return h, fmt.Errorf("header %s at %d with length %d overflows", section.name, section.offset, section.length)
		}
	}

	return h, nil
}
