package pmtiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyHttp "github.com/aws/smithy-go/transport/http"
	"gocloud.dev/blob"
	"google.golang.org/api/googleapi"
)

// Source is random byte-range access to a single archive file.
//
// ReadRange returns at most length bytes. The result is shorter than requested
// only when the range runs past the end of the file. Implementations must be safe
// for concurrent use and must not share a read cursor between calls.
type Source interface {
	ReadRange(ctx context.Context, offset uint64, length uint32) ([]byte, error)
	Size(ctx context.Context) (int64, error)
	Close() error
}

// OpenSource opens a local path, an http(s) URL or a gocloud bucket URL
// (s3://, gs://, azblob://, file://) pointing at one archive.
func OpenSource(ctx context.Context, location string) (Source, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return OpenHTTPSource(ctx, http.DefaultClient, location)
	}
	if strings.Contains(location, "://") {
		bucketURL, key, err := splitBucketKey(location)
		if err != nil {
			return nil, err
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("%w: opening bucket %s: %w", ErrIO, bucketURL, err)
		}
		src, err := OpenBlobSource(ctx, bucket, key)
		if err != nil {
			bucket.Close()
			return nil, err
		}
		src.owned = true
		return src, nil
	}
	return OpenFileSource(location)
}

// splitBucketKey separates a bucket URL from the object key it addresses.
func splitBucketKey(location string) (string, string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "file" {
		dir, file := path.Split(u.Path)
		u.Path = strings.TrimSuffix(dir, "/")
		return u.String(), file, nil
	}
	key := strings.TrimPrefix(u.Path, "/")
	u.Path = ""
	if key == "" {
		return "", "", fmt.Errorf("no object key in %s", location)
	}
	return u.String(), key, nil
}

// FileSource reads an archive on local disk with positioned reads.
type FileSource struct {
	path string
	file *os.File
}

// OpenFileSource opens path for positioned reads.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrIO, path)
	}
	return &FileSource{path: filepath.Clean(path), file: file}, nil
}

type rangeResult struct {
	data []byte
	err  error
}

func (s *FileSource) ReadRange(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if offset > math.MaxInt64 {
		return nil, fmt.Errorf("%w: offset %d out of range", ErrIO, offset)
	}
	if ctx.Done() == nil {
		return s.readAt(offset, length)
	}

	// ReadAt cannot be interrupted, so the deadline is enforced by abandoning the read.
	done := make(chan rangeResult, 1)
	go func() {
		data, err := s.readAt(offset, length)
		done <- rangeResult{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: reading %s: %w", ErrIO, s.path, ctx.Err())
	}
}

func (s *FileSource) readAt(offset uint64, length uint32) ([]byte, error) {
	result := make([]byte, length)
	read, err := s.file.ReadAt(result, int64(offset))
	if err == io.EOF {
		return result[:read], nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s at %d: %w", ErrIO, s.path, offset, err)
	}
	return result, nil
}

func (s *FileSource) Size(_ context.Context) (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return info.Size(), nil
}

func (s *FileSource) Close() error {
	return s.file.Close()
}

func (s *FileSource) String() string {
	return s.path
}

// MemorySource serves an archive held in memory.
type MemorySource struct {
	data []byte
}

func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{data: data}
}

func (m *MemorySource) ReadRange(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if offset >= uint64(len(m.data)) {
		return []byte{}, nil
	}
	end := offset + uint64(length)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	result := make([]byte, end-offset)
	copy(result, m.data[offset:end])
	return result, nil
}

func (m *MemorySource) Size(_ context.Context) (int64, error) {
	return int64(len(m.data)), nil
}

func (m *MemorySource) Close() error {
	return nil
}

// HTTPClient is an interface that lets you swap out the default client with a mock one in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource reads an archive from a web server that honors Range requests.
// Every read after the first carries If-Match, so an archive replaced behind
// the server surfaces as an I/O error instead of mixed bytes.
type HTTPSource struct {
	url    string
	client HTTPClient
	etag   string
	size   int64
}

// OpenHTTPSource probes the first byte of the archive to learn its size and ETag.
func OpenHTTPSource(ctx context.Context, client HTTPClient, rawURL string) (*HTTPSource, error) {
	s := &HTTPSource{url: rawURL, client: client, size: -1}
	resp, err := s.do(ctx, 0, 1)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	s.etag = resp.Header.Get("ETag")
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				s.size = n
			}
		}
	} else if resp.StatusCode == http.StatusOK {
		s.size = resp.ContentLength
	}
	return s, nil
}

func (s *HTTPSource) do(ctx context.Context, offset uint64, length uint32) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(length)-1))
	if len(s.etag) > 0 {
		req.Header.Set("If-Match", s.etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		if resp.StatusCode == http.StatusPreconditionFailed && len(s.etag) > 0 {
			return nil, fmt.Errorf("%w: %s changed since it was opened (HTTP %d)", ErrIO, s.url, resp.StatusCode)
		}
		return resp, fmt.Errorf("%w: HTTP error: %d", ErrIO, resp.StatusCode)
	}
	return resp, nil
}

func (s *HTTPSource) ReadRange(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	resp, err := s.do(ctx, offset, length)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			return []byte{}, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	body := io.Reader(resp.Body)
	if resp.StatusCode == http.StatusOK {
		// the server ignored the Range header and is sending the whole file
		if _, err := io.CopyN(io.Discard, body, int64(offset)); err != nil {
			if errors.Is(err, io.EOF) {
				return []byte{}, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	b, err := io.ReadAll(io.LimitReader(body, int64(length)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if len(b) < int(length) && s.size >= 0 && offset+uint64(len(b)) < uint64(s.size) {
		return nil, fmt.Errorf("%w: short read at %d: %d of %d bytes", ErrIO, offset, len(b), length)
	}
	return b, nil
}

func (s *HTTPSource) Size(_ context.Context) (int64, error) {
	if s.size < 0 {
		return 0, fmt.Errorf("%w: size of %s unknown", ErrIO, s.url)
	}
	return s.size, nil
}

func (s *HTTPSource) Close() error {
	return nil
}

func (s *HTTPSource) String() string {
	return s.url
}

func isRefreshRequiredCode(code int) bool {
	return code == http.StatusPreconditionFailed || code == http.StatusRequestedRangeNotSatisfiable
}

// BlobSource reads one key of a gocloud bucket. Reads are pinned to the
// provider ETag observed when the source was opened.
type BlobSource struct {
	bucket *blob.Bucket
	key    string
	etag   string
	size   int64
	owned  bool
}

// OpenBlobSource reads the first byte of key to confirm it exists and to pin its ETag.
// The bucket stays owned by the caller.
func OpenBlobSource(ctx context.Context, bucket *blob.Bucket, key string) (*BlobSource, error) {
	reader, err := bucket.NewRangeReader(ctx, key, 0, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s (status %d): %w", ErrIO, key, providerStatusCode(err), err)
	}
	defer reader.Close()
	return &BlobSource{bucket: bucket, key: key, etag: providerEtag(reader), size: reader.Size()}, nil
}

func (b *BlobSource) ReadRange(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	if offset > math.MaxInt64 {
		return nil, fmt.Errorf("%w: offset %d out of range", ErrIO, offset)
	}
	if length == 0 || int64(offset) >= b.size {
		return []byte{}, nil
	}
	reader, err := b.bucket.NewRangeReader(ctx, b.key, int64(offset), int64(length), &blob.ReaderOptions{
		BeforeRead: func(asFunc func(interface{}) bool) error {
			if len(b.etag) > 0 {
				setProviderEtag(asFunc, b.etag)
			}
			return nil
		},
	})
	if err != nil {
		status := providerStatusCode(err)
		if isRefreshRequiredCode(status) {
			return nil, fmt.Errorf("%w: %s changed since it was opened (status %d)", ErrIO, b.key, status)
		}
		return nil, fmt.Errorf("%w: reading %s (status %d): %w", ErrIO, b.key, status, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrIO, b.key, err)
	}
	if len(data) < int(length) && offset+uint64(len(data)) < uint64(b.size) {
		return nil, fmt.Errorf("%w: short read at %d: %d of %d bytes", ErrIO, offset, len(data), length)
	}
	return data, nil
}

func (b *BlobSource) Size(_ context.Context) (int64, error) {
	return b.size, nil
}

// Close releases the bucket only when the source opened it itself.
func (b *BlobSource) Close() error {
	if b.owned {
		return b.bucket.Close()
	}
	return nil
}

func (b *BlobSource) String() string {
	return b.key
}

func etagToGeneration(etag string) int64 {
	i, _ := strconv.ParseInt(etag, 10, 64)
	return i
}

func generationToEtag(generation int64) string {
	return strconv.FormatInt(generation, 10)
}

func setProviderEtag(asFunc func(interface{}) bool, etag string) {
	var awsV2Req *s3.GetObjectInput
	var azblobReq *azblob.DownloadStreamOptions
	var gcsHandle **storage.ObjectHandle
	if asFunc(&awsV2Req) {
		awsV2Req.IfMatch = aws.String(etag)
	} else if asFunc(&azblobReq) {
		azEtag := azcore.ETag(etag)
		azblobReq.AccessConditions = &azblob.AccessConditions{
			ModifiedAccessConditions: &container.ModifiedAccessConditions{
				IfMatch: &azEtag,
			},
		}
	} else if asFunc(&gcsHandle) {
		*gcsHandle = (*gcsHandle).If(storage.Conditions{
			GenerationMatch: etagToGeneration(etag),
		})
	}
}

// providerStatusCode extracts the HTTP status from a cloud provider error, or 0.
func providerStatusCode(err error) int {
	var awsV2Err *smithyHttp.ResponseError
	var azureErr *azcore.ResponseError
	var gcpErr *googleapi.Error

	if errors.As(err, &awsV2Err) {
		return awsV2Err.HTTPStatusCode()
	} else if errors.As(err, &azureErr) {
		return azureErr.StatusCode
	} else if errors.As(err, &gcpErr) {
		return gcpErr.Code
	}
	return 0
}

func providerEtag(reader *blob.Reader) string {
	var awsV2Resp s3.GetObjectOutput
	var azureResp azblob.DownloadStreamResponse
	var gcpResp *storage.Reader

	if reader.As(&awsV2Resp) {
		if awsV2Resp.ETag != nil {
			return *awsV2Resp.ETag
		}
	} else if reader.As(&azureResp) {
		if azureResp.ETag != nil {
			return string(*azureResp.ETag)
		}
	} else if reader.As(&gcpResp) {
		return generationToEtag(gcpResp.Attrs.Generation)
	}
	return ""
}
