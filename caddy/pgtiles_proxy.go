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
	"github.com/pgtiles/go-pgtiles/pgtiles"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("pgtiles_proxy", parseCaddyfile)
}

// Middleware creates a Z/X/Y tileserver backed by a PostGIS tile
// function, reached either directly over a connection pool or through
// an HTTP RPC gateway.
type Middleware struct {
	DSN       string `json:"dsn,omitempty"`
	RPCURL    string `json:"rpc_url,omitempty"`
	Function  string `json:"function,omitempty"`
	Source    string `json:"source,omitempty"`
	CacheSize int    `json:"cache_size"`
	PublicURL string `json:"public_url"`
	Maxzoom   uint8  `json:"maxzoom,omitempty"`
	logger    *zap.Logger
	server    *pgtiles.Server
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.pgtiles_proxy",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	if m.Source == "" {
		m.Source = "tiles"
	}
	if m.CacheSize <= 0 {
		m.CacheSize = 64
	}

	var backend pgtiles.Backend
	if m.DSN != "" {
		b, err := pgtiles.NewPostgresBackend(ctx, m.DSN, m.Function, "")
		if err != nil {
			return err
		}
		backend = b
	} else {
		backend = pgtiles.NewRPCBackend(m.RPCURL, nil)
	}

	adapter, err := pgtiles.NewAdapter("pgtiles", map[string]pgtiles.Backend{m.Source: backend})
	if err != nil {
		return err
	}

	info := pgtiles.DefaultSourceInfo(m.Source)
	if m.Maxzoom > 0 {
		info.MaxZoom = m.Maxzoom
	}
	server, err := pgtiles.NewServer(adapter, map[string]pgtiles.SourceInfo{m.Source: info}, m.logger, m.CacheSize, m.PublicURL)
	if err != nil {
		return err
	}
	m.server = server
	server.Start()
	return nil
}

func (m *Middleware) Validate() error {
	if m.DSN == "" && m.RPCURL == "" {
		return fmt.Errorf("either dsn or rpc_url is required")
	}
	if m.Source == "" {
		m.Source = "tiles"
	}
	if m.CacheSize <= 0 {
		m.CacheSize = 64
	}
	return nil
}

func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	start := time.Now()
	statusCode, headers, body := m.server.Get(r.Context(), r.URL.Path)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(statusCode)
	w.Write(body)
	m.logger.Info("response", zap.Int("status", statusCode), zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))

	return next.ServeHTTP(w, r)
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "dsn":
				if !d.Args(&m.DSN) {
					return d.ArgErr()
				}
			case "rpc_url":
				if !d.Args(&m.RPCURL) {
					return d.ArgErr()
				}
			case "function":
				if !d.Args(&m.Function) {
					return d.ArgErr()
				}
			case "source":
				if !d.Args(&m.Source) {
					return d.ArgErr()
				}
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
			case "maxzoom":
				var maxzoom string
				if !d.Args(&maxzoom) {
					return d.ArgErr()
				}
				num, err := strconv.ParseUint(maxzoom, 10, 8)
				if err != nil {
					return d.ArgErr()
				}
				m.Maxzoom = uint8(num)
			case "public_url":
				if !d.Args(&m.PublicURL) {
					return d.ArgErr()
				}
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

// Interface guards
var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
