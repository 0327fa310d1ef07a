package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	httptrace "github.com/DataDog/dd-trace-go/contrib/net/http/v2"
	"github.com/DataDog/dd-trace-go/v2/ddtrace/tracer"
	"github.com/alecthomas/kong"
	"github.com/hkparcels/parcel-tiles/pmtiles"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Serve struct {
		Directories       []string      `arg:"" optional:"" help:"Local directories or bucket URLs to scan for .pmtiles archives; defaults to the working directory."`
		TilesDir          []string      `name:"tiles-dir" env:"TILES_DIR" sep:"," help:"More directories to scan, comma separated."`
		Port              int           `default:"3000" env:"PORT" help:"Port to serve tiles on."`
		Host              string        `default:"" env:"HOST" help:"Interface to listen on; empty listens on all."`
		AdminPort         int           `default:"-1" env:"ADMIN_PORT" help:"Port for /metrics; negative disables it."`
		SourcesFile       string        `env:"SOURCES_FILE" help:"YAML file mapping extra source names to archive locations." type:"existingfile"`
		ForwardCompressed bool          `default:"true" negatable:"" env:"FORWARD_COMPRESSED" help:"Send compressed tiles as stored with Content-Encoding."`
		CacheSize         int           `default:"64" env:"CACHE_SIZE" help:"Size of the leaf directory cache in megabytes."`
		ReadTimeout       time.Duration `default:"10s" env:"READ_TIMEOUT" help:"Bound on each archive read; 0 disables it."`
		Parallelism       int           `default:"0" env:"PARALLELISM" help:"Archives opened at once at startup; 0 uses GOMAXPROCS."`
		Debug             bool          `env:"DEBUG" help:"Enable the /debug/{source} endpoint."`
		Datadog           bool          `env:"DATADOG" help:"Trace requests with the DataDog agent."`
		LogFormat         string        `default:"json" enum:"json,console" env:"LOG_FORMAT" help:"Log output format (json or console)."`
	} `cmd:"" help:"Serve every archive found in the given directories over HTTP."`

	Show struct {
		Path     string `arg:"" help:"Local path or URL of an archive."`
		Metadata bool   `help:"Print the JSON metadata instead of the header."`
	} `cmd:"" help:"Inspect a local or remote archive."`

	Tile struct {
		Path string `arg:"" help:"Local path or URL of an archive."`
		Z    int64  `arg:""`
		X    int64  `arg:""`
		Y    int64  `arg:""`
	} `cmd:"" help:"Fetch one tile from a local or remote archive and output on stdout."`

	Verify struct {
		Path string `arg:"" help:"Local path or URL of an archive."`
	} `cmd:"" help:"Check that an archive's directories agree with its header."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	kctx := kong.Parse(&cli,
		kong.Name("parcel-tiles"),
		kong.Description("Serve vector tiles out of PMTiles archives."))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch kctx.Command() {
	case "serve", "serve <directories>":
		err = serve(ctx)
	case "show <path>":
		err = pmtiles.Show(ctx, os.Stdout, cli.Show.Path, cli.Show.Metadata)
	case "tile <path> <z> <x> <y>":
		err = pmtiles.ShowTile(ctx, os.Stdout, cli.Tile.Path, cli.Tile.Z, cli.Tile.X, cli.Tile.Y)
	case "verify <path>":
		_, err = pmtiles.Verify(ctx, os.Stderr, cli.Verify.Path)
	case "version":
		fmt.Printf("parcel-tiles %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(kctx.Command())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kctx.Command(), err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	opts := cli.Serve
	logger, err := newLogger(opts.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics := pmtiles.NewMetrics(logger)
	metrics.SetBuildInfo(version, commit)

	var sources map[string]string
	if opts.SourcesFile != "" {
		sources, err = pmtiles.LoadSourceMap(opts.SourcesFile)
		if err != nil {
			return err
		}
	}

	dirs := append(opts.Directories, opts.TilesDir...)
	if len(dirs) == 0 && len(sources) == 0 {
		dirs = []string{"."}
	}
	registry, err := pmtiles.Discover(ctx, logger, dirs, pmtiles.RegistryOptions{
		Sources:     sources,
		CacheSize:   opts.CacheSize,
		ReadTimeout: opts.ReadTimeout,
		Parallelism: opts.Parallelism,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	server, err := pmtiles.NewServer(registry, logger, pmtiles.ServerOptions{
		Port:              opts.Port,
		ForwardCompressed: opts.ForwardCompressed,
		Debug:             opts.Debug,
		Metrics:           metrics,
	})
	if err != nil {
		return err
	}

	handler := server.Handler()
	if opts.Datadog {
		if err := tracer.Start(tracer.WithService("parcel-tiles"), tracer.WithServiceVersion(version)); err != nil {
			logger.Warn("datadog tracer disabled", zap.Error(err))
		} else {
			defer tracer.Stop()
			handler = httptrace.WrapHandler(handler, "parcel-tiles", "tiles")
		}
	}

	servers := []*http.Server{{
		Addr:              net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if opts.AdminPort >= 0 {
		admin := http.NewServeMux()
		admin.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              net.JoinHostPort(opts.Host, strconv.Itoa(opts.AdminPort)),
			Handler:           admin,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", s.Addr), zap.Strings("sources", registry.Names()))
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(shutdownCtx))
		}
		logger.Info("shut down")
		return errors.Join(errs...)
	})
	return g.Wait()
}
