package pmtiles

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// initialFetchBytes is read on open; it holds the header and usually the root directory.
const initialFetchBytes = 16384

// ArchiveHeader is the part of an archive header needed to serve it.
type ArchiveHeader struct {
	MinZoom         uint8
	MaxZoom         uint8
	MinLon          float64
	MinLat          float64
	MaxLon          float64
	MaxLat          float64
	TileType        TileType
	TileCompression Compression
}

// Bound is the geographic extent of the archive.
func (h ArchiveHeader) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{h.MinLon, h.MinLat}, Max: orb.Point{h.MaxLon, h.MaxLat}}
}

// Center is the middle of the bounds at the middle zoom, rounded down.
func (h ArchiveHeader) Center() (orb.Point, uint8) {
	return h.Bound().Center(), uint8((int(h.MinZoom) + int(h.MaxZoom)) / 2)
}

// VectorLayer describes one layer of a vector tileset.
type VectorLayer struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description,omitempty"`
	MinZoom     *int                   `json:"minzoom,omitempty"`
	MaxZoom     *int                   `json:"maxzoom,omitempty"`
	Fields      map[string]interface{} `json:"fields"`
}

// ArchiveMetadata is the decoded JSON metadata block of an archive.
type ArchiveMetadata struct {
	VectorLayers []VectorLayer
	Raw          map[string]interface{}
}

// TileResult is the outcome of a tile lookup. Found is false when the archive
// has no tile at the address.
type TileResult struct {
	Found       bool
	Data        []byte
	Compression Compression
	TileType    TileType
}

// ArchiveOptions tunes how an Archive reads from its source.
type ArchiveOptions struct {
	ReadTimeout time.Duration
	Metrics     *Metrics

	cache *dirCache
}

// Archive is one opened PMTiles v3 archive. It is safe for concurrent use.
type Archive struct {
	name        string
	source      Source
	header      HeaderV3
	root        []EntryV3
	cache       *dirCache
	metrics     *Metrics
	readTimeout time.Duration
	metadata    atomic.Pointer[ArchiveMetadata]
}

// OpenArchive reads and validates the header and root directory of source.
func OpenArchive(ctx context.Context, name string, source Source, opts ArchiveOptions) (*Archive, error) {
	a := &Archive{
		name:        name,
		source:      source,
		cache:       opts.cache,
		metrics:     opts.Metrics,
		readTimeout: opts.ReadTimeout,
	}
	if a.metrics == nil {
		a.metrics = NewMetrics(zap.NewNop())
	}

	b, err := a.read(ctx, "header", 0, initialFetchBytes)
	if err != nil {
		return nil, err
	}
	header, err := deserializeHeader(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIO, name, err)
	}
	a.header = header

	var rootBytes []byte
	if header.RootOffset <= uint64(len(b)) && header.RootLength <= uint64(len(b))-header.RootOffset {
		rootBytes = b[header.RootOffset : header.RootOffset+header.RootLength]
	} else {
		rootBytes, err = a.readExact(ctx, "directory", header.RootOffset, header.RootLength)
		if err != nil {
			return nil, err
		}
	}
	a.root, err = deserializeEntries(rootBytes, header.InternalCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: root directory: %w", ErrIO, name, err)
	}
	return a, nil
}

func (a *Archive) read(ctx context.Context, kind string, offset uint64, length uint32) ([]byte, error) {
	if a.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.readTimeout)
		defer cancel()
	}
	tracker := a.metrics.startSourceRead(a.name, kind)
	b, err := a.source.ReadRange(ctx, offset, length)
	tracker.finish(ctx, err)
	return b, err
}

// readExact fails on a short read: every range it is asked for lies inside the archive.
func (a *Archive) readExact(ctx context.Context, kind string, offset, length uint64) ([]byte, error) {
	if length > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s: %s range of %d bytes too large", ErrIO, a.name, kind, length)
	}
	b, err := a.read(ctx, kind, offset, uint32(length))
	if err != nil {
		return nil, err
	}
	if uint64(len(b)) != length {
		return nil, fmt.Errorf("%w: %s: truncated %s at %d: got %d of %d bytes", ErrIO, a.name, kind, offset, len(b), length)
	}
	return b, nil
}

func (a *Archive) Name() string {
	return a.name
}

// location describes where the archive is read from, if its source says.
func (a *Archive) location() string {
	if s, ok := a.source.(fmt.Stringer); ok {
		return s.String()
	}
	return ""
}

// RawHeader is the full binary header read at open.
func (a *Archive) RawHeader() HeaderV3 {
	return a.header
}

func (a *Archive) Header() ArchiveHeader {
	h := a.header
	e7 := 10000000.0
	return ArchiveHeader{
		MinZoom:         h.MinZoom,
		MaxZoom:         h.MaxZoom,
		MinLon:          float64(h.MinLonE7) / e7,
		MinLat:          float64(h.MinLatE7) / e7,
		MaxLon:          float64(h.MaxLonE7) / e7,
		MaxLat:          float64(h.MaxLatE7) / e7,
		TileType:        h.TileType,
		TileCompression: h.TileCompression,
	}
}

func (a *Archive) Size(ctx context.Context) (int64, error) {
	return a.source.Size(ctx)
}

func (a *Archive) Close() error {
	return a.source.Close()
}

// Metadata returns the archive's JSON metadata, read on first use.
// A failed read is not cached.
func (a *Archive) Metadata(ctx context.Context) (*ArchiveMetadata, error) {
	if m := a.metadata.Load(); m != nil {
		return m, nil
	}

	m := &ArchiveMetadata{VectorLayers: []VectorLayer{}, Raw: map[string]interface{}{}}
	if a.header.MetadataLength > 0 {
		b, err := a.readExact(ctx, "metadata", a.header.MetadataOffset, a.header.MetadataLength)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
		}
		raw, err := decompressInternal(b, a.header.InternalCompression)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMetadata, a.name, err)
		}
		if err := json.Unmarshal(raw, &m.Raw); err != nil {
			return nil, fmt.Errorf("%w: %s: decoding metadata: %w", ErrMetadata, a.name, err)
		}
		var layers struct {
			VectorLayers []VectorLayer `json:"vector_layers"`
		}
		if err := json.Unmarshal(raw, &layers); err != nil {
			return nil, fmt.Errorf("%w: %s: decoding vector_layers: %w", ErrMetadata, a.name, err)
		}
		for _, l := range layers.VectorLayers {
			if l.Fields == nil {
				l.Fields = map[string]interface{}{}
			}
			m.VectorLayers = append(m.VectorLayers, l)
		}
	}

	a.metadata.CompareAndSwap(nil, m)
	return a.metadata.Load(), nil
}

func (a *Archive) leaf(ctx context.Context, offset uint64, length uint32) ([]EntryV3, error) {
	fetch := func(ctx context.Context) ([]EntryV3, error) {
		b, err := a.readExact(ctx, "directory", offset, uint64(length))
		if err != nil {
			return nil, err
		}
		entries, err := deserializeEntries(b, a.header.InternalCompression)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: leaf directory at %d: %w", ErrIO, a.name, offset, err)
		}
		return entries, nil
	}
	if a.cache == nil {
		return fetch(ctx)
	}
	return a.cache.get(ctx, dirKey{archive: a.name, offset: offset, length: length}, fetch)
}

// Tile looks up the tile at c. A missing tile is a result with Found false, not an error.
func (a *Archive) Tile(ctx context.Context, c TileCoord) (TileResult, error) {
	header := a.header
	if c.Z < header.MinZoom || c.Z > header.MaxZoom {
		return TileResult{}, nil
	}

	tileID := ZxyToID(c.Z, c.X, c.Y)
	directory := a.root
	for depth := 0; depth <= 3; depth++ {
		entry, ok := findTile(directory, tileID)
		if !ok {
			break
		}

		if entry.RunLength > 0 {
			b, err := a.readExact(ctx, "tile", header.TileDataOffset+entry.Offset, uint64(entry.Length))
			if err != nil {
				return TileResult{}, err
			}
			return TileResult{Found: true, Data: b, Compression: header.TileCompression, TileType: header.TileType}, nil
		}

		var err error
		directory, err = a.leaf(ctx, header.LeafDirectoryOffset+entry.Offset, entry.Length)
		if err != nil {
			return TileResult{}, err
		}
	}

	return TileResult{}, nil
}
