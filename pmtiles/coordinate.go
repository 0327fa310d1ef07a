package pmtiles

import (
	"fmt"
	"strconv"
)

// MaxZoom is the deepest zoom level a tile address may use.
const MaxZoom = 31

// TileCoord addresses one tile of the XYZ quad-tree.
type TileCoord struct {
	Z uint8
	X uint32
	Y uint32
}

func (c TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// NewTileCoord checks that 0 <= x, y < 2^z.
func NewTileCoord(z, x, y int64) (TileCoord, error) {
	if z < 0 || z > MaxZoom {
		return TileCoord{}, fmt.Errorf("%w: zoom %d outside [0, %d]", ErrInvalidCoordinate, z, MaxZoom)
	}
	dim := int64(1) << z
	if x < 0 || x >= dim || y < 0 || y >= dim {
		return TileCoord{}, fmt.Errorf("%w: %d/%d/%d outside the %dx%d grid", ErrInvalidCoordinate, z, x, y, dim, dim)
	}
	return TileCoord{Z: uint8(z), X: uint32(x), Y: uint32(y)}, nil
}

// ParseTileCoord parses the z, x and y path segments of a tile request.
func ParseTileCoord(zs, xs, ys string) (TileCoord, error) {
	var parsed [3]int64
	for i, s := range [3]string{zs, xs, ys} {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return TileCoord{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidCoordinate, s)
		}
		parsed[i] = v
	}
	return NewTileCoord(parsed[0], parsed[1], parsed[2])
}
