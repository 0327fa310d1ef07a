package pmtiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/schollz/progressbar/v3"
)

// VerifyReport summarizes a full walk of an archive's directories.
type VerifyReport struct {
	AddressedTiles uint64
	TileEntries    uint64
	TileContents   uint64
	MinTileID      uint64
	MaxTileID      uint64
	Problems       []string
	Elapsed        time.Duration
}

// Verify walks every directory of the archive at location and checks the
// entries against the counts and zoom range in its header. Progress and
// problems are written to w. The returned error is non-nil when any check fails.
func Verify(ctx context.Context, w io.Writer, location string) (VerifyReport, error) {
	start := time.Now()
	archive, err := openForInspection(ctx, location)
	if err != nil {
		return VerifyReport{}, err
	}
	defer archive.Close()

	report, err := verifyArchive(ctx, w, archive)
	report.Elapsed = time.Since(start)
	if err != nil {
		return report, err
	}
	for _, p := range report.Problems {
		fmt.Fprintf(w, "Invalid: %s\n", p)
	}
	fmt.Fprintf(w, "Completed verify of %s in %v.\n", archive.Name(), report.Elapsed)
	if len(report.Problems) > 0 {
		return report, fmt.Errorf("%s: %d problems found", archive.Name(), len(report.Problems))
	}
	return report, nil
}

func verifyArchive(ctx context.Context, w io.Writer, archive *Archive) (VerifyReport, error) {
	header := archive.RawHeader()
	report := VerifyReport{MinTileID: math.MaxUint64}
	problem := func(format string, args ...interface{}) {
		report.Problems = append(report.Problems, fmt.Sprintf(format, args...))
	}

	bar := progressbar.NewOptions64(
		int64(header.TileEntriesCount),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("verifying "+archive.Name()),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	offsets := roaring64.New()
	var currentOffset uint64

	var walk func(entries []EntryV3, depth int) error
	walk = func(entries []EntryV3, depth int) error {
		for _, e := range entries {
			if e.RunLength == 0 {
				if depth >= 3 {
					problem("leaf directory at %d nested deeper than 3 levels", e.Offset)
					continue
				}
				if e.Offset > header.LeafDirectoryLength || uint64(e.Length) > header.LeafDirectoryLength-e.Offset {
					problem("leaf directory entry %v outside of leaf directory section", e)
					continue
				}
				leaf, err := archive.leaf(ctx, header.LeafDirectoryOffset+e.Offset, e.Length)
				if err != nil {
					return err
				}
				if err := walk(leaf, depth+1); err != nil {
					return err
				}
				continue
			}

			report.AddressedTiles += uint64(e.RunLength)
			report.TileEntries++
			bar.Add(1)
			if e.TileID < report.MinTileID {
				report.MinTileID = e.TileID
			}
			if e.TileID > report.MaxTileID {
				report.MaxTileID = e.TileID
			}
			if e.Offset > header.TileDataLength || uint64(e.Length) > header.TileDataLength-e.Offset {
				problem("tile entry %v outside of tile data section", e)
			}
			if header.Clustered && !offsets.Contains(e.Offset) {
				if e.Offset != currentOffset {
					problem("out-of-order entry %v in clustered archive", e)
				}
				currentOffset += uint64(e.Length)
			}
			offsets.Add(e.Offset)
		}
		return nil
	}

	if err := walk(archive.root, 0); err != nil {
		return report, err
	}
	bar.Finish()
	report.TileContents = offsets.GetCardinality()

	if report.AddressedTiles != header.AddressedTilesCount {
		problem("header AddressedTilesCount=%d but %d tiles addressed", header.AddressedTilesCount, report.AddressedTiles)
	}
	if report.TileEntries != header.TileEntriesCount {
		problem("header TileEntriesCount=%d but %d tile entries", header.TileEntriesCount, report.TileEntries)
	}
	if report.TileContents != header.TileContentsCount {
		problem("header TileContentsCount=%d but %d tile contents", header.TileContentsCount, report.TileContents)
	}
	if report.TileEntries == 0 {
		return report, errors.New(archive.Name() + ": archive has no tile entries")
	}
	if z, _, _ := IDToZxy(report.MinTileID); z != header.MinZoom {
		problem("header MinZoom=%d does not match min tile z %d", header.MinZoom, z)
	}
	if z, _, _ := IDToZxy(report.MaxTileID); z != header.MaxZoom {
		problem("header MaxZoom=%d does not match max tile z %d", header.MaxZoom, z)
	}
	if header.CenterZoom < header.MinZoom || header.CenterZoom > header.MaxZoom {
		problem("header CenterZoom=%d not within MinZoom/MaxZoom", header.CenterZoom)
	}
	return report, nil
}
