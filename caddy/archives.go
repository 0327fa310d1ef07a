// Package caddy exposes the tile server as a Caddy HTTP handler module.
package caddy

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/hkparcels/parcel-tiles/pmtiles"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("pmtiles_archives", parseCaddyfile)
}

// Middleware serves every archive found in Directories under the route it is mounted on.
type Middleware struct {
	Directories       []string `json:"directories"`
	ForwardCompressed *bool    `json:"forward_compressed,omitempty"`
	CacheSize         int      `json:"cache_size"`
	ReadTimeout       string   `json:"read_timeout,omitempty"`

	logger   *zap.Logger
	registry *pmtiles.Registry
	handler  http.Handler
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.pmtiles_archives",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	if m.CacheSize <= 0 {
		m.CacheSize = pmtiles.DefaultCacheSizeMB
	}
	timeout := 10 * time.Second
	if m.ReadTimeout != "" {
		d, err := caddy.ParseDuration(m.ReadTimeout)
		if err != nil {
			return fmt.Errorf("read_timeout: %w", err)
		}
		timeout = d
	}
	forward := true
	if m.ForwardCompressed != nil {
		forward = *m.ForwardCompressed
	}

	registry, err := pmtiles.Discover(ctx, m.logger, m.Directories, pmtiles.RegistryOptions{
		CacheSize:   m.CacheSize,
		ReadTimeout: timeout,
	})
	if err != nil {
		return err
	}
	server, err := pmtiles.NewServer(registry, m.logger, pmtiles.ServerOptions{ForwardCompressed: forward})
	if err != nil {
		registry.Close()
		return err
	}
	m.registry = registry
	m.handler = server.Handler()
	return nil
}

func (m *Middleware) Validate() error {
	if len(m.Directories) == 0 {
		return fmt.Errorf("no directories")
	}
	return nil
}

func (m *Middleware) Cleanup() error {
	if m.registry == nil {
		return nil
	}
	return m.registry.Close()
}

// ServeHTTP answers every request itself; next is never called.
func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	m.handler.ServeHTTP(w, r)
	return nil
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "directories":
				dirs := d.RemainingArgs()
				if len(dirs) == 0 {
					return d.ArgErr()
				}
				m.Directories = append(m.Directories, dirs...)
			case "forward_compressed":
				var value string
				if !d.Args(&value) {
					return d.ArgErr()
				}
				b, err := strconv.ParseBool(value)
				if err != nil {
					return d.Errf("forward_compressed: %v", err)
				}
				m.ForwardCompressed = &b
			case "cache_size":
				var cacheSize string
				if !d.Args(&cacheSize) {
					return d.ArgErr()
				}
				num, err := strconv.Atoi(cacheSize)
				if err != nil {
					return d.ArgErr()
				}
				m.CacheSize = num
			case "read_timeout":
				if !d.Args(&m.ReadTimeout) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unrecognized subdirective %q", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddy.CleanerUpper          = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
