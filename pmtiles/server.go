package pmtiles

import (
	"context"
	"fmt"
	"net/http"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb/maptile"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ServerOptions configures NewServer.
type ServerOptions struct {
	// Port is reported by /health.
	Port int
	// ForwardCompressed sends pre-compressed tiles untouched with a
	// Content-Encoding header; otherwise tiles are decompressed first.
	ForwardCompressed bool
	// Debug enables the /debug/{source} endpoint.
	Debug   bool
	Metrics *Metrics
}

// Server answers tile and metadata requests for the archives of a Registry.
type Server struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *Metrics
	encoder  tileEncoder
	port     int
	debug    bool
}

// TileMetadata is the normalized metadata document of one source.
type TileMetadata struct {
	Name         string        `json:"name"`
	Format       string        `json:"format"`
	MinZoom      int           `json:"minzoom"`
	MaxZoom      int           `json:"maxzoom"`
	Bounds       [4]float64    `json:"bounds"`
	Center       [3]float64    `json:"center"`
	VectorLayers []VectorLayer `json:"vector_layers"`
}

func NewServer(registry *Registry, logger *zap.Logger, opts ServerOptions) (*Server, error) {
	encoder, err := newTileEncoder(opts.ForwardCompressed)
	if err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(logger)
	}
	if !opts.ForwardCompressed {
		for _, name := range registry.Names() {
			a, _ := registry.Lookup(name)
			if a.header.TileCompression == Brotli {
				logger.Warn("brotli tiles cannot be decompressed and will be sent with Content-Encoding: br", zap.String("name", name))
			}
		}
	}
	return &Server{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		encoder:  encoder,
		port:     opts.Port,
		debug:    opts.Debug,
	}, nil
}

// Tile resolves a tile request. The source is looked up before the coordinate
// is validated, and the archive is only consulted for a valid coordinate.
func (server *Server) Tile(ctx context.Context, name, z, x, y string) (TileResult, error) {
	archive, ok := server.registry.Lookup(name)
	if !ok {
		return TileResult{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	coord, err := ParseTileCoord(z, x, y)
	if err != nil {
		return TileResult{}, err
	}
	return archive.Tile(ctx, coord)
}

// Metadata builds the metadata document of a source.
func (server *Server) Metadata(ctx context.Context, name string) (TileMetadata, error) {
	archive, ok := server.registry.Lookup(name)
	if !ok {
		return TileMetadata{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	metadata, err := archive.Metadata(ctx)
	if err != nil {
		return TileMetadata{}, err
	}

	header := archive.Header()
	center, centerZoom := header.Center()
	return TileMetadata{
		Name:         name,
		Format:       "pbf",
		MinZoom:      int(header.MinZoom),
		MaxZoom:      int(header.MaxZoom),
		Bounds:       [4]float64{header.MinLon, header.MinLat, header.MaxLon, header.MaxLat},
		Center:       [3]float64{center.Lon(), center.Lat(), float64(centerZoom)},
		VectorLayers: metadata.VectorLayers,
	}, nil
}

func (server *Server) getTile(ctx context.Context, httpHeaders map[string]string, name, z, x, y string) (int, map[string]string, []byte) {
	tile, err := server.Tile(ctx, name, z, x, y)
	if err != nil {
		status, msg := errorStatus(err, "Error serving tile")
		if status >= 500 {
			server.logger.Error("error serving tile", zap.String("source", name), zap.String("tile", z+"/"+x+"/"+y), zap.Error(err))
		}
		return jsonResponse(httpHeaders, status, errorBody{Error: msg})
	}
	if !tile.Found {
		return http.StatusNoContent, httpHeaders, nil
	}

	body, err := server.encoder.encode(tile, httpHeaders)
	if err != nil {
		server.logger.Error("error encoding tile", zap.String("source", name), zap.String("tile", z+"/"+x+"/"+y), zap.Error(err))
		delete(httpHeaders, "Content-Encoding")
		return jsonResponse(httpHeaders, http.StatusInternalServerError, errorBody{Error: "Error serving tile"})
	}
	tileHeaders(tile, body, httpHeaders)
	return http.StatusOK, httpHeaders, body
}

func (server *Server) getMetadata(ctx context.Context, httpHeaders map[string]string, name string) (int, map[string]string, []byte) {
	metadata, err := server.Metadata(ctx, name)
	if err != nil {
		status, msg := errorStatus(err, "Failed to get metadata")
		if status >= 500 {
			server.logger.Error("error getting metadata", zap.String("source", name), zap.Error(err))
		}
		return jsonResponse(httpHeaders, status, errorBody{Error: msg})
	}
	return jsonResponse(httpHeaders, http.StatusOK, metadata)
}

func (server *Server) getHealth(httpHeaders map[string]string) (int, map[string]string, []byte) {
	return jsonResponse(httpHeaders, http.StatusOK, struct {
		Status  string   `json:"status"`
		Sources []string `json:"sources"`
		Port    int      `json:"port"`
	}{"ok", server.registry.Names(), server.port})
}

func (server *Server) getIndex(httpHeaders map[string]string) (int, map[string]string, []byte) {
	names := server.registry.Names()
	examples := make(map[string]string, len(names))
	for _, name := range names {
		archive, _ := server.registry.Lookup(name)
		center, zoom := archive.Header().Center()
		t := maptile.At(center, maptile.Zoom(zoom))
		examples[name] = fmt.Sprintf("/%s/%d/%d/%d.pbf", name, t.Z, t.X, t.Y)
	}
	endpoints := map[string]string{
		"metadata": "/{source}/metadata.json",
		"tiles":    "/{source}/{z}/{x}/{y}.pbf",
		"health":   "/health",
	}
	if server.debug {
		endpoints["debug"] = "/debug/{source}"
	}
	return jsonResponse(httpHeaders, http.StatusOK, struct {
		Message   string            `json:"message"`
		Sources   []string          `json:"sources"`
		Endpoints map[string]string `json:"endpoints"`
		Examples  map[string]string `json:"examples"`
	}{"PMTiles Tile Server", names, endpoints, examples})
}

type debugHeader struct {
	MinZoom         uint8      `json:"minZoom"`
	MaxZoom         uint8      `json:"maxZoom"`
	Bounds          [4]float64 `json:"bounds"`
	TileType        string     `json:"tileType"`
	TileCompression string     `json:"tileCompression"`
	Size            int64      `json:"size"`
}

func (server *Server) getDebug(ctx context.Context, httpHeaders map[string]string, name string) (int, map[string]string, []byte) {
	archive, ok := server.registry.Lookup(name)
	if !ok {
		return jsonResponse(httpHeaders, http.StatusNotFound, errorBody{Error: "Source not found", Available: server.registry.Names()})
	}
	size, err := archive.Size(ctx)
	if err != nil {
		server.logger.Error("error reading archive size", zap.String("source", name), zap.Error(err))
		return jsonResponse(httpHeaders, http.StatusInternalServerError, struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}{false, "Failed to read archive"})
	}
	h := archive.Header()
	return jsonResponse(httpHeaders, http.StatusOK, struct {
		Success bool        `json:"success"`
		Header  debugHeader `json:"header"`
	}{true, debugHeader{
		MinZoom:         h.MinZoom,
		MaxZoom:         h.MaxZoom,
		Bounds:          [4]float64{h.MinLon, h.MinLat, h.MaxLon, h.MaxLat},
		TileType:        h.TileType.String(),
		TileCompression: h.TileCompression.String(),
		Size:            size,
	}})
}

func writeResponse(w http.ResponseWriter, status int, headers map[string]string, body []byte) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	w.Write(body)
}

// Handler is the complete HTTP surface: routing, CORS, gzip for JSON
// documents, request logging, metrics and panic recovery.
func (server *Server) Handler() http.Handler {
	r := mux.NewRouter()
	methods := []string{http.MethodGet, http.MethodHead}

	jsonRoute := func(handler string, f http.HandlerFunc) http.Handler {
		return server.instrument(handler, gziphandler.GzipHandler(f))
	}

	r.Handle("/", jsonRoute("index", func(w http.ResponseWriter, r *http.Request) {
		status, headers, body := server.getIndex(map[string]string{})
		writeResponse(w, status, headers, body)
	})).Methods(methods...)
	r.Handle("/health", jsonRoute("health", func(w http.ResponseWriter, r *http.Request) {
		status, headers, body := server.getHealth(map[string]string{})
		writeResponse(w, status, headers, body)
	})).Methods(methods...)
	r.Handle("/{source}/metadata.json", jsonRoute("metadata", func(w http.ResponseWriter, r *http.Request) {
		status, headers, body := server.getMetadata(r.Context(), map[string]string{}, mux.Vars(r)["source"])
		writeResponse(w, status, headers, body)
	})).Methods(methods...)
	r.Handle("/{source}/{z}/{x}/{y}.pbf", server.instrument("tile", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		status, headers, body := server.getTile(r.Context(), map[string]string{}, vars["source"], vars["z"], vars["x"], vars["y"])
		writeResponse(w, status, headers, body)
	}))).Methods(methods...)
	if server.debug {
		r.Handle("/debug/{source}", jsonRoute("debug", func(w http.ResponseWriter, r *http.Request) {
			status, headers, body := server.getDebug(r.Context(), map[string]string{}, mux.Vars(r)["source"])
			writeResponse(w, status, headers, body)
		})).Methods(methods...)
	}

	r.NotFoundHandler = server.instrument("notfound", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, headers, body := jsonResponse(map[string]string{}, http.StatusNotFound, errorBody{Error: "Path not found"})
		writeResponse(w, status, headers, body)
	}))
	r.MethodNotAllowedHandler = server.instrument("notallowed", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, headers, body := jsonResponse(map[string]string{}, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		writeResponse(w, status, headers, body)
	}))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		ExposedHeaders: []string{"Cache-Control", "Content-Encoding", "Content-Length", "Content-Type", "ETag"},
		MaxAge:         86400,
	})
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{server.logger}), handlers.PrintRecoveryStack(true))
	return recovery(c.Handler(r))
}
