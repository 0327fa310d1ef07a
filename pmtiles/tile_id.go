package pmtiles

func rotate(n uint64, x *uint64, y *uint64, rx uint64, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}

// tilesBelow is the number of tile ids used by all zoom levels less than z.
func tilesBelow(z uint8) uint64 {
	var acc uint64
	for tz := uint8(0); tz < z; tz++ {
		acc += (1 << tz) * (1 << tz)
	}
	return acc
}

// ZxyToID converts (Z,X,Y) tile coordinates to a Hilbert TileID.
func ZxyToID(z uint8, x uint32, y uint32) uint64 {
	var n uint64 = 1 << z
	var rx, ry, d uint64
	tx := uint64(x)
	ty := uint64(y)
	for s := n / 2; s > 0; s /= 2 {
		rx, ry = 0, 0
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		rotate(s, &tx, &ty, rx, ry)
	}
	return tilesBelow(z) + d
}

// IDToZxy converts a Hilbert TileID to (Z,X,Y) tile coordinates.
func IDToZxy(i uint64) (uint8, uint32, uint32) {
	var acc uint64
	var z uint8
	for {
		numTiles := uint64(1<<z) * uint64(1<<z)
		if acc+numTiles > i {
			break
		}
		acc += numTiles
		z++
	}

	var n uint64 = 1 << z
	var tx, ty uint64
	t := i - acc
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		rotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}
	return z, uint32(tx), uint32(ty)
}
