package pmtiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb/maptile"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestServer(t *testing.T, opts ServerOptions, archives ...*Archive) (*Server, http.Handler) {
	t.Helper()
	if len(archives) == 0 {
		archives = []*Archive{landParcels().open(t, "land_parcels")}
	}
	if opts.Port == 0 {
		opts.Port = 3000
	}
	server, err := NewServer(fixtureRegistry(t, archives...), testLogger(), opts)
	require.NoError(t, err)
	return server, server.Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "https://maps.example.hk")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestServeTile(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{ForwardCompressed: true})

	rr := get(t, h, "/land_parcels/14/13381/7143.pbf")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, parcelTile.data, rr.Body.Bytes())
	assert.Equal(t, "application/x-protobuf", rr.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=31536000, immutable", rr.Header().Get("Cache-Control"))
	assert.Equal(t, generateEtag(parcelTile.data), rr.Header().Get("ETag"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Header().Get("Content-Encoding"))

	again := get(t, h, "/land_parcels/14/13381/7143.pbf")
	assert.Equal(t, rr.Body.Bytes(), again.Body.Bytes())
}

func TestServeAbsentTile(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})

	for _, path := range []string{"/land_parcels/14/0/0.pbf", "/land_parcels/2/1/1.pbf", "/land_parcels/31/0/0.pbf"} {
		rr := get(t, h, path)
		assert.Equal(t, http.StatusNoContent, rr.Code, path)
		assert.Empty(t, rr.Body.Bytes(), path)
		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"), path)
	}
}

func TestServeUnknownSource(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})

	for _, path := range []string{"/buildings/14/0/0.pbf", "/buildings/metadata.json", "/buildings/x/y/z.pbf"} {
		rr := get(t, h, path)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
		assert.Equal(t, "Source not found", decodeJSON(t, rr)["error"], path)
		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"), path)
	}
}

func TestServeInvalidCoordinate(t *testing.T) {
	src := &countingSource{Source: NewMemorySource(landParcels().build(t))}
	archive, err := OpenArchive(context.Background(), "land_parcels", src, ArchiveOptions{})
	require.NoError(t, err)
	_, h := newTestServer(t, ServerOptions{}, archive)
	opened := src.reads.Load()

	for _, path := range []string{
		"/land_parcels/abc/0/0.pbf",
		"/land_parcels/14/1.5/0.pbf",
		"/land_parcels/-1/0/0.pbf",
		"/land_parcels/32/0/0.pbf",
		"/land_parcels/3/8/0.pbf",
		"/land_parcels/3/0/8.pbf",
		"/land_parcels/14/-1/0.pbf",
		"/land_parcels/99999999999999999999/0/0.pbf",
	} {
		rr := get(t, h, path)
		assert.Equal(t, http.StatusBadRequest, rr.Code, path)
		assert.Equal(t, "Invalid tile coordinate", decodeJSON(t, rr)["error"], path)
	}
	assert.Equal(t, opened, src.reads.Load())
}

func TestServeReadFailure(t *testing.T) {
	src := &countingSource{Source: NewMemorySource(landParcels().build(t))}
	archive, err := OpenArchive(context.Background(), "land_parcels", src, ArchiveOptions{})
	require.NoError(t, err)
	_, h := newTestServer(t, ServerOptions{}, archive)

	src.fail.Store(true)
	rr := get(t, h, "/land_parcels/14/13381/7143.pbf")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Error serving tile", decodeJSON(t, rr)["error"])

	rr = get(t, h, "/land_parcels/metadata.json")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeJSON(t, rr)
	assert.Equal(t, "Failed to get metadata", body["error"])
	assert.NotContains(t, rr.Body.String(), "disk on fire")
}

func TestServeMetadata(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})

	rr := get(t, h, "/land_parcels/metadata.json")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var doc TileMetadata
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "land_parcels", doc.Name)
	assert.Equal(t, "pbf", doc.Format)
	assert.Equal(t, 12, doc.MinZoom)
	assert.Equal(t, 15, doc.MaxZoom)
	assert.Equal(t, [4]float64{113.8, 22.1, 114.5, 22.6}, doc.Bounds)
	assert.InDelta(t, 114.15, doc.Center[0], 1e-9)
	assert.InDelta(t, 22.35, doc.Center[1], 1e-9)
	assert.Equal(t, 13.0, doc.Center[2])

	var raw struct {
		VectorLayers json.RawMessage `json:"vector_layers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.JSONEq(t, `[
		{"id": "LandParcel_Lot_HK", "minzoom": 12, "maxzoom": 15, "fields": {"LOTID": "String"}},
		{"id": "labels", "fields": {}}
	]`, string(raw.VectorLayers))
}

func TestServeMetadataWithoutLayers(t *testing.T) {
	f := landParcels()
	f.metadata = `{"name":"bare"}`
	_, h := newTestServer(t, ServerOptions{}, f.open(t, "bare"))

	body := decodeJSON(t, get(t, h, "/bare/metadata.json"))
	assert.Equal(t, []interface{}{}, body["vector_layers"])
}

func TestServeHealth(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{Port: 8080}, landParcels().open(t, "land_parcels"), gridFixture(3, 0, 0, 2).open(t, "buildings"))

	rr := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","sources":["buildings","land_parcels"],"port":8080}`, rr.Body.String())
}

func TestServeHealthNoSources(t *testing.T) {
	server, err := NewServer(fixtureRegistry(t), testLogger(), ServerOptions{Port: 3000})
	require.NoError(t, err)

	rr := get(t, server.Handler(), "/health")
	assert.JSONEq(t, `{"status":"ok","sources":[],"port":3000}`, rr.Body.String())
}

func TestServeIndex(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})

	rr := get(t, h, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSON(t, rr)
	assert.Equal(t, "PMTiles Tile Server", body["message"])
	assert.Equal(t, []interface{}{"land_parcels"}, body["sources"])
	endpoints := body["endpoints"].(map[string]interface{})
	assert.Equal(t, "/{source}/{z}/{x}/{y}.pbf", endpoints["tiles"])
	assert.NotContains(t, endpoints, "debug")

	center, zoom := landParcels().open(t, "land_parcels").Header().Center()
	tile := maptile.At(center, maptile.Zoom(zoom))
	examples := body["examples"].(map[string]interface{})
	assert.Equal(t, fmt.Sprintf("/land_parcels/13/%d/%d.pbf", tile.X, tile.Y), examples["land_parcels"])
}

func TestServeDebug(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})
	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/land_parcels").Code)

	_, h = newTestServer(t, ServerOptions{Debug: true})
	rr := get(t, h, "/debug/land_parcels")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSON(t, rr)
	assert.Equal(t, true, body["success"])
	header := body["header"].(map[string]interface{})
	assert.Equal(t, 12.0, header["minZoom"])
	assert.Equal(t, "Vector Protobuf (MVT)", header["tileType"])

	rr = get(t, h, "/debug/buildings")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, []interface{}{"land_parcels"}, decodeJSON(t, rr)["available"])

	endpoints := decodeJSON(t, get(t, h, "/"))["endpoints"].(map[string]interface{})
	assert.Equal(t, "/debug/{source}", endpoints["debug"])
}

func TestServeUnknownRoutes(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})

	rr := get(t, h, "/land_parcels/14/13381/7143.mvt")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Path not found", decodeJSON(t, rr)["error"])

	req := httptest.NewRequest(http.MethodPost, "/land_parcels/14/13381/7143.pbf", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServeCORSPreflight(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})

	req := httptest.NewRequest(http.MethodOptions, "/land_parcels/14/13381/7143.pbf", nil)
	req.Header.Set("Origin", "https://maps.example.hk")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeCompressedTiles(t *testing.T) {
	stored := gzipBytes(t, parcelTile.data)
	f := landParcels()
	f.tileCompression = Gzip
	f.tiles = []fixtureTile{{z: parcelTile.z, x: parcelTile.x, y: parcelTile.y, data: stored}}

	_, h := newTestServer(t, ServerOptions{ForwardCompressed: true}, f.open(t, "land_parcels"))
	rr := get(t, h, "/land_parcels/14/13381/7143.pbf")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
	assert.Equal(t, stored, rr.Body.Bytes())

	_, h = newTestServer(t, ServerOptions{ForwardCompressed: false}, f.open(t, "land_parcels"))
	rr = get(t, h, "/land_parcels/14/13381/7143.pbf")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Content-Encoding"))
	assert.Equal(t, parcelTile.data, rr.Body.Bytes())
	assert.Equal(t, generateEtag(parcelTile.data), rr.Header().Get("ETag"))
}

func TestServeGzipJSON(t *testing.T) {
	var layers []string
	for i := 0; i < 60; i++ {
		layers = append(layers, fmt.Sprintf(`{"id":"layer_%02d","fields":{"LOTID":"String"}}`, i))
	}
	f := landParcels()
	f.metadata = `{"vector_layers":[` + strings.Join(layers, ",") + `]}`
	_, h := newTestServer(t, ServerOptions{}, f.open(t, "land_parcels"))

	req := httptest.NewRequest(http.MethodGet, "/land_parcels/metadata.json", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))

	r, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	var doc TileMetadata
	require.NoError(t, json.NewDecoder(r).Decode(&doc))
	assert.Len(t, doc.VectorLayers, 60)
}

func TestServeMetrics(t *testing.T) {
	metrics := NewMetrics(testLogger())
	_, h := newTestServer(t, ServerOptions{Metrics: metrics})

	get(t, h, "/land_parcels/14/13381/7143.pbf")
	get(t, h, "/land_parcels/14/0/0.pbf")
	get(t, h, "/buildings/14/0/0.pbf")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("land_parcels", "tile", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("land_parcels", "tile", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("", "tile", "404")))
}

func TestServeConcurrent(t *testing.T) {
	dir := t.TempDir()
	f := gridFixture(12, 3340, 1780, 16)
	f.leafSize = 20
	f.writeFile(t, dir, "land_parcels.pmtiles")
	registry, err := Discover(context.Background(), testLogger(), []string{dir}, RegistryOptions{CacheSize: 1})
	require.NoError(t, err)
	defer registry.Close()
	server, err := NewServer(registry, testLogger(), ServerOptions{})
	require.NoError(t, err)
	h := server.Handler()

	var paths []string
	for x := 3338; x < 3358; x++ {
		for y := 1778; y < 1798; y++ {
			paths = append(paths, fmt.Sprintf("/land_parcels/12/%d/%d.pbf", x, y))
		}
	}
	type result struct {
		code int
		body string
	}
	baseline := make(map[string]result, len(paths))
	for _, p := range paths {
		rr := get(t, h, p)
		baseline[p] = result{rr.Code, rr.Body.String()}
	}

	ts := httptest.NewServer(h)
	defer ts.Close()
	var g errgroup.Group
	g.SetLimit(32)
	for i := 0; i < 4; i++ {
		for _, p := range paths {
			g.Go(func() error {
				resp, err := http.Get(ts.URL + p)
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				b, err := io.ReadAll(resp.Body)
				if err != nil {
					return err
				}
				if want := baseline[p]; want.code != resp.StatusCode || want.body != string(b) {
					return fmt.Errorf("%s: got %d %q, want %d %q", p, resp.StatusCode, b, want.code, want.body)
				}
				return nil
			})
		}
	}
	assert.NoError(t, g.Wait())

	found := 0
	for _, r := range baseline {
		if r.code == http.StatusOK {
			found++
		}
	}
	assert.Equal(t, 16*16, found)
}
