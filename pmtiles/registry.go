package pmtiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ArchiveExt is the file extension of discoverable archives.
const ArchiveExt = ".pmtiles"

// DefaultCacheSizeMB is the leaf directory cache size used when none is set.
const DefaultCacheSizeMB = 64

// RegistryOptions configures Discover.
type RegistryOptions struct {
	// Sources maps explicit source names to archive locations, in addition to
	// whatever is found in the scanned directories.
	Sources map[string]string
	// CacheSize bounds the shared leaf directory cache, in megabytes.
	// Zero or less means DefaultCacheSizeMB.
	CacheSize int
	// ReadTimeout bounds every byte-range read; zero disables the bound.
	ReadTimeout time.Duration
	// Parallelism is how many archives are opened at once.
	Parallelism int
	Metrics     *Metrics
}

type candidate struct {
	name     string
	location string
	open     func(ctx context.Context) (Source, error)
}

// Registry maps source names to opened archives. It is built once by Discover
// and never changes afterwards, so lookups need no locking.
type Registry struct {
	archives map[string]*Archive
	names    []string
	buckets  []*blob.Bucket
	cancel   context.CancelFunc
}

// Discover scans dirs in order for archives, opens each one and keeps those
// whose header and root directory read cleanly. An archive that fails to open
// is logged and left out. Two archives with the same name fail the whole build
// with a *DuplicateNameError.
func Discover(ctx context.Context, logger *zap.Logger, dirs []string, opts RegistryOptions) (*Registry, error) {
	var candidates []candidate
	var buckets []*blob.Bucket
	closeBuckets := func() {
		for _, b := range buckets {
			b.Close()
		}
	}

	for _, dir := range dirs {
		found, bucket, err := listDirectory(ctx, dir)
		if err != nil {
			logger.Warn("skipping archive directory", zap.String("directory", dir), zap.Error(err))
			continue
		}
		if bucket != nil {
			buckets = append(buckets, bucket)
		}
		candidates = append(candidates, found...)
	}

	explicit := make([]string, 0, len(opts.Sources))
	for name := range opts.Sources {
		explicit = append(explicit, name)
	}
	sort.Strings(explicit)
	for _, name := range explicit {
		location := opts.Sources[name]
		candidates = append(candidates, candidate{
			name:     name,
			location: location,
			open: func(ctx context.Context) (Source, error) {
				return OpenSource(ctx, location)
			},
		})
	}

	seen := make(map[string]string, len(candidates))
	for _, c := range candidates {
		if first, ok := seen[c.name]; ok {
			closeBuckets()
			return nil, &DuplicateNameError{Name: c.name, First: first, Second: c.location}
		}
		seen[c.name] = c.location
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(logger)
	}
	cacheCtx, cancel := context.WithCancel(context.Background())
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSizeMB
	}
	cache := newDirCache(cacheSize, metrics, logger)
	cache.start(cacheCtx)
	archiveOpts := ArchiveOptions{ReadTimeout: opts.ReadTimeout, Metrics: metrics, cache: cache}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	opened := make([]*Archive, len(candidates))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, c := range candidates {
		g.Go(func() error {
			archive, err := openCandidate(ctx, c, archiveOpts)
			if err != nil {
				metrics.archivesFailed.Inc()
				logger.Warn("skipping archive", zap.String("name", c.name), zap.String("location", c.location), zap.Error(err))
				return nil
			}
			opened[i] = archive

			fields := []zap.Field{
				zap.String("name", c.name),
				zap.String("location", c.location),
				zap.Uint8("minzoom", archive.header.MinZoom),
				zap.Uint8("maxzoom", archive.header.MaxZoom),
			}
			if size, err := archive.Size(ctx); err == nil {
				fields = append(fields, zap.String("size", humanize.Bytes(uint64(size))))
			}
			logger.Info("loaded archive", fields...)
			return nil
		})
	}
	_ = g.Wait()

	r := &Registry{archives: make(map[string]*Archive), buckets: buckets, cancel: cancel}
	for _, a := range opened {
		if a == nil {
			continue
		}
		r.archives[a.name] = a
		r.names = append(r.names, a.name)
	}
	sort.Strings(r.names)
	metrics.archivesLoaded.Set(float64(len(r.names)))
	if len(r.names) == 0 {
		logger.Warn("no archives loaded", zap.Strings("directories", dirs))
	}
	return r, nil
}

func openCandidate(ctx context.Context, c candidate, opts ArchiveOptions) (*Archive, error) {
	src, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	archive, err := OpenArchive(ctx, c.name, src, opts)
	if err != nil {
		src.Close()
		return nil, err
	}
	return archive, nil
}

// sourceName strips the archive extension from a file name.
func sourceName(filename string) string {
	return filename[:len(filename)-len(filepath.Ext(filename))]
}

func isArchiveFile(filename string) bool {
	return !strings.HasPrefix(filename, ".") && strings.EqualFold(filepath.Ext(filename), ArchiveExt) && sourceName(filename) != ""
}

// listDirectory finds archives directly inside dir, a local path or a bucket URL.
// For bucket URLs the opened bucket is returned so the registry can close it later.
func listDirectory(ctx context.Context, dir string) ([]candidate, *blob.Bucket, error) {
	if strings.Contains(dir, "://") {
		return listBucket(ctx, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || !isArchiveFile(e.Name()) {
			continue
		}
		location := filepath.Join(dir, e.Name())
		found = append(found, candidate{
			name:     sourceName(e.Name()),
			location: location,
			open: func(context.Context) (Source, error) {
				return OpenFileSource(location)
			},
		})
	}
	return found, nil, nil
}

func listBucket(ctx context.Context, location string) ([]candidate, *blob.Bucket, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, nil, err
	}
	prefix := ""
	if u.Scheme != "file" {
		prefix = strings.TrimPrefix(u.Path, "/")
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		u.Path = ""
	}
	bucket, err := blob.OpenBucket(ctx, u.String())
	if err != nil {
		return nil, nil, err
	}

	var found []candidate
	iter := bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			bucket.Close()
			return nil, nil, fmt.Errorf("listing %s: %w", location, err)
		}
		base := path.Base(obj.Key)
		if obj.IsDir || !isArchiveFile(base) {
			continue
		}
		key := obj.Key
		found = append(found, candidate{
			name:     sourceName(base),
			location: strings.TrimSuffix(location, "/") + "/" + base,
			open: func(ctx context.Context) (Source, error) {
				return OpenBlobSource(ctx, bucket, key)
			},
		})
	}
	return found, bucket, nil
}

// NewRegistry builds a registry from archives that are already open.
// Archives opened without a directory cache read leaf directories directly.
func NewRegistry(archives ...*Archive) (*Registry, error) {
	r := &Registry{archives: make(map[string]*Archive, len(archives)), cancel: func() {}}
	for _, a := range archives {
		if first, ok := r.archives[a.name]; ok {
			return nil, &DuplicateNameError{Name: a.name, First: first.location(), Second: a.location()}
		}
		r.archives[a.name] = a
		r.names = append(r.names, a.name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the archive registered under name.
func (r *Registry) Lookup(name string) (*Archive, bool) {
	a, ok := r.archives[name]
	return a, ok
}

// Names lists registered source names in sorted order.
func (r *Registry) Names() []string {
	return append([]string{}, r.names...)
}

// Close releases every archive source, the directory cache and any buckets.
func (r *Registry) Close() error {
	var errs []error
	for _, a := range r.archives {
		errs = append(errs, a.Close())
	}
	r.cancel()
	for _, b := range r.buckets {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

type sourceMapFile struct {
	Sources map[string]string `yaml:"sources"`
}

// LoadSourceMap reads a YAML file of the form
//
//	sources:
//	  land_parcels: LandParcel_Lot_HK.pmtiles
//	  buildings: s3://bucket/Building_HK.pmtiles?region=ap-east-1
//
// Relative local paths are resolved against the directory holding the file.
func LoadSourceMap(filename string) (map[string]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var parsed sourceMapFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}

	base := filepath.Dir(filename)
	sources := make(map[string]string, len(parsed.Sources))
	for name, location := range parsed.Sources {
		if name == "" || strings.ContainsAny(name, "/\\") {
			return nil, fmt.Errorf("%s: invalid source name %q", filename, name)
		}
		if location == "" {
			return nil, fmt.Errorf("%s: source %q has no location", filename, name)
		}
		if !strings.Contains(location, "://") && !filepath.IsAbs(location) {
			location = filepath.Join(base, location)
		}
		sources[name] = location
	}
	return sources, nil
}
