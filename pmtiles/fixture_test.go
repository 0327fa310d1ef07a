package pmtiles

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serializeHeader(header HeaderV3) []byte {
	b := make([]byte, HeaderV3LenBytes)
	copy(b[0:7], "PMTiles")

	b[7] = 3
	binary.LittleEndian.PutUint64(b[8:8+8], header.RootOffset)
	binary.LittleEndian.PutUint64(b[16:16+8], header.RootLength)
	binary.LittleEndian.PutUint64(b[24:24+8], header.MetadataOffset)
	binary.LittleEndian.PutUint64(b[32:32+8], header.MetadataLength)
	binary.LittleEndian.PutUint64(b[40:40+8], header.LeafDirectoryOffset)
	binary.LittleEndian.PutUint64(b[48:48+8], header.LeafDirectoryLength)
	binary.LittleEndian.PutUint64(b[56:56+8], header.TileDataOffset)
	binary.LittleEndian.PutUint64(b[64:64+8], header.TileDataLength)
	binary.LittleEndian.PutUint64(b[72:72+8], header.AddressedTilesCount)
	binary.LittleEndian.PutUint64(b[80:80+8], header.TileEntriesCount)
	binary.LittleEndian.PutUint64(b[88:88+8], header.TileContentsCount)
	if header.Clustered {
		b[96] = 0x1
	}
	b[97] = uint8(header.InternalCompression)
	b[98] = uint8(header.TileCompression)
	b[99] = uint8(header.TileType)
	b[100] = header.MinZoom
	b[101] = header.MaxZoom
	binary.LittleEndian.PutUint32(b[102:102+4], uint32(header.MinLonE7))
	binary.LittleEndian.PutUint32(b[106:106+4], uint32(header.MinLatE7))
	binary.LittleEndian.PutUint32(b[110:110+4], uint32(header.MaxLonE7))
	binary.LittleEndian.PutUint32(b[114:114+4], uint32(header.MaxLatE7))
	b[118] = header.CenterZoom
	binary.LittleEndian.PutUint32(b[119:119+4], uint32(header.CenterLonE7))
	binary.LittleEndian.PutUint32(b[123:123+4], uint32(header.CenterLatE7))
	return b
}

func gzipBytes(t testing.TB, data []byte) []byte {
	var b bytes.Buffer
	w, err := gzip.NewWriterLevel(&b, gzip.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return b.Bytes()
}

func serializeEntries(t testing.TB, entries []EntryV3, compression Compression) []byte {
	var raw []byte
	raw = binary.AppendUvarint(raw, uint64(len(entries)))

	lastID := uint64(0)
	for _, entry := range entries {
		raw = binary.AppendUvarint(raw, entry.TileID-lastID)
		lastID = entry.TileID
	}
	for _, entry := range entries {
		raw = binary.AppendUvarint(raw, uint64(entry.RunLength))
	}
	for _, entry := range entries {
		raw = binary.AppendUvarint(raw, uint64(entry.Length))
	}
	for i, entry := range entries {
		if i > 0 && entry.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			raw = binary.AppendUvarint(raw, 0)
		} else {
			raw = binary.AppendUvarint(raw, entry.Offset+1)
		}
	}

	if compression == Gzip {
		return gzipBytes(t, raw)
	}
	return raw
}

type fixtureTile struct {
	z    uint8
	x, y uint32
	data []byte
}

// fixture describes a small archive laid out as
// header | padding | root | metadata | leaves | tile data.
type fixture struct {
	tiles           []fixtureTile
	tileType        TileType
	tileCompression Compression
	metadata        string
	// leafSize > 0 splits tile entries into leaf directories of that many entries.
	leafSize int
	// rootPadding pushes the root directory past the initial fetch.
	rootPadding int
	// minZoom and maxZoom override the range derived from the tiles when set.
	minZoom, maxZoom *uint8
}

func zoomPtr(z uint8) *uint8 {
	return &z
}

func (f fixture) build(t testing.TB) []byte {
	t.Helper()
	tiles := append([]fixtureTile(nil), f.tiles...)
	sort.Slice(tiles, func(i, j int) bool {
		return ZxyToID(tiles[i].z, tiles[i].x, tiles[i].y) < ZxyToID(tiles[j].z, tiles[j].x, tiles[j].y)
	})

	var tileData []byte
	contents := map[string]uint64{}
	entries := make([]EntryV3, 0, len(tiles))
	minZoom, maxZoom := uint8(MaxZoom), uint8(0)
	for _, tile := range tiles {
		offset, ok := contents[string(tile.data)]
		if !ok {
			offset = uint64(len(tileData))
			contents[string(tile.data)] = offset
			tileData = append(tileData, tile.data...)
		}
		entries = append(entries, EntryV3{
			TileID:    ZxyToID(tile.z, tile.x, tile.y),
			Offset:    offset,
			Length:    uint32(len(tile.data)),
			RunLength: 1,
		})
		minZoom = min(minZoom, tile.z)
		maxZoom = max(maxZoom, tile.z)
	}
	if len(tiles) == 0 {
		minZoom = 0
	}
	if f.minZoom != nil {
		minZoom = *f.minZoom
	}
	if f.maxZoom != nil {
		maxZoom = *f.maxZoom
	}

	root := entries
	var leaves []byte
	if f.leafSize > 0 && len(entries) > f.leafSize {
		root = nil
		for i := 0; i < len(entries); i += f.leafSize {
			chunk := entries[i:min(i+f.leafSize, len(entries))]
			leaf := serializeEntries(t, chunk, Gzip)
			root = append(root, EntryV3{TileID: chunk[0].TileID, Offset: uint64(len(leaves)), Length: uint32(len(leaf))})
			leaves = append(leaves, leaf...)
		}
	}
	rootBytes := serializeEntries(t, root, Gzip)

	metadata := f.metadata
	if metadata == "" {
		metadata = `{"name":"fixture"}`
	}
	metadataBytes := gzipBytes(t, []byte(metadata))

	tileType := f.tileType
	if tileType == UnknownTileType {
		tileType = Mvt
	}
	tileCompression := f.tileCompression
	if tileCompression == UnknownCompression {
		tileCompression = NoCompression
	}

	h := HeaderV3{
		RootOffset:          uint64(HeaderV3LenBytes + f.rootPadding),
		RootLength:          uint64(len(rootBytes)),
		AddressedTilesCount: uint64(len(entries)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(len(contents)),
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     tileCompression,
		TileType:            tileType,
		MinZoom:             minZoom,
		MaxZoom:             maxZoom,
		MinLonE7:            1138000000,
		MinLatE7:            221000000,
		MaxLonE7:            1145000000,
		MaxLatE7:            226000000,
		CenterZoom:          minZoom,
		CenterLonE7:         1141500000,
		CenterLatE7:         223500000,
	}
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.MetadataLength = uint64(len(metadataBytes))
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.LeafDirectoryLength = uint64(len(leaves))
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	h.TileDataLength = uint64(len(tileData))

	out := serializeHeader(h)
	out = append(out, make([]byte, f.rootPadding)...)
	out = append(out, rootBytes...)
	out = append(out, metadataBytes...)
	out = append(out, leaves...)
	out = append(out, tileData...)
	return out
}

func (f fixture) open(t testing.TB, name string) *Archive {
	t.Helper()
	archive, err := OpenArchive(context.Background(), name, NewMemorySource(f.build(t)), ArchiveOptions{})
	require.NoError(t, err)
	return archive
}

func (f fixture) writeFile(t testing.TB, dir, filename string) string {
	t.Helper()
	p := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(p, f.build(t), 0o644))
	return p
}

// parcelTile is the tile the land_parcels fixture is built around.
var parcelTile = fixtureTile{z: 14, x: 13381, y: 7143, data: []byte("land parcel lot tile")}

func landParcels() fixture {
	return fixture{
		tiles: []fixtureTile{
			{z: 12, x: 3345, y: 1785, data: []byte("z12 tile")},
			{z: 13, x: 6690, y: 3571, data: []byte("z13 tile")},
			parcelTile,
			{z: 14, x: 13382, y: 7143, data: []byte("neighbour tile")},
			{z: 15, x: 26762, y: 14286, data: []byte("z15 tile")},
		},
		metadata: `{"name":"LandParcel_Lot_HK","vector_layers":[{"id":"LandParcel_Lot_HK","minzoom":12,"maxzoom":15,"fields":{"LOTID":"String"}},{"id":"labels"}]}`,
	}
}

// gridFixture addresses every tile of zoom z inside a square of side n.
func gridFixture(z uint8, x0, y0, n uint32) fixture {
	var tiles []fixtureTile
	for x := x0; x < x0+n; x++ {
		for y := y0; y < y0+n; y++ {
			tiles = append(tiles, fixtureTile{z: z, x: x, y: y, data: []byte(TileCoord{Z: z, X: x, Y: y}.String())})
		}
	}
	return fixture{tiles: tiles}
}

func fixtureRegistry(t testing.TB, archives ...*Archive) *Registry {
	t.Helper()
	r, err := NewRegistry(archives...)
	require.NoError(t, err)
	return r
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
