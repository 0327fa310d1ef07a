package pmtiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

func openForInspection(ctx context.Context, location string) (*Archive, error) {
	src, err := OpenSource(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", location, err)
	}
	archive, err := OpenArchive(ctx, sourceNameOf(location), src, ArchiveOptions{})
	if err != nil {
		src.Close()
		return nil, err
	}
	return archive, nil
}

// sourceNameOf is the name Discover would register location under.
func sourceNameOf(location string) string {
	base := location
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	base = base[strings.LastIndexAny(base, "/\\")+1:]
	if isArchiveFile(base) {
		return sourceName(base)
	}
	return base
}

// Show writes a human-readable summary of an archive header to w, or the raw
// JSON metadata when metadataOnly is set.
func Show(ctx context.Context, w io.Writer, location string, metadataOnly bool) error {
	archive, err := openForInspection(ctx, location)
	if err != nil {
		return err
	}
	defer archive.Close()

	if metadataOnly {
		metadata, err := archive.Metadata(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(metadata.Raw)
	}

	size, err := archive.Size(ctx)
	if err != nil {
		return err
	}
	raw := archive.RawHeader()
	h := archive.Header()
	center, centerZoom := h.Center()

	fmt.Fprintf(w, "name: %s\n", archive.Name())
	fmt.Fprintf(w, "pmtiles spec version: %d\n", raw.SpecVersion)
	fmt.Fprintf(w, "total size: %s\n", humanize.Bytes(uint64(size)))
	fmt.Fprintf(w, "tile type: %s\n", h.TileType)
	fmt.Fprintf(w, "tile compression: %s\n", h.TileCompression)
	fmt.Fprintf(w, "bounds: (long: %f, lat: %f) (long: %f, lat: %f)\n", h.MinLon, h.MinLat, h.MaxLon, h.MaxLat)
	fmt.Fprintf(w, "min zoom: %d\n", h.MinZoom)
	fmt.Fprintf(w, "max zoom: %d\n", h.MaxZoom)
	fmt.Fprintf(w, "center: (long: %f, lat: %f)\n", center.Lon(), center.Lat())
	fmt.Fprintf(w, "center zoom: %d\n", centerZoom)
	fmt.Fprintf(w, "addressed tiles count: %s\n", humanize.Comma(int64(raw.AddressedTilesCount)))
	fmt.Fprintf(w, "tile entries count: %s\n", humanize.Comma(int64(raw.TileEntriesCount)))
	fmt.Fprintf(w, "tile contents count: %s\n", humanize.Comma(int64(raw.TileContentsCount)))
	fmt.Fprintf(w, "clustered: %t\n", raw.Clustered)
	fmt.Fprintf(w, "internal compression: %s\n", raw.InternalCompression)
	return nil
}

// ShowTile writes the stored bytes of one tile to w. A missing tile is an error.
func ShowTile(ctx context.Context, w io.Writer, location string, z, x, y int64) error {
	coord, err := NewTileCoord(z, x, y)
	if err != nil {
		return err
	}
	archive, err := openForInspection(ctx, location)
	if err != nil {
		return err
	}
	defer archive.Close()

	tile, err := archive.Tile(ctx, coord)
	if err != nil {
		return err
	}
	if !tile.Found {
		return fmt.Errorf("tile %s not found in %s", coord, location)
	}
	_, err = w.Write(tile.Data)
	return err
}
