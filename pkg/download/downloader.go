// Package download implements the bounded-concurrency HTTP fetch primitive
// the source adapters share: a grab.Client wrapped in a pond result pool,
// sized to InstallOptions.NetworkConcurrency, with checksum verification
// and in-flight request deduplication.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/cavaliergopher/grab/v3"
	"github.com/zeebo/blake3"
)

// DefaultNetworkConcurrency is the default global outbound HTTP
// concurrency limit.
const DefaultNetworkConcurrency = 16

// Request is one file to fetch to a destination path.
type Request struct {
	URL         string
	Destination string
	Checksum    string // optional hex-encoded SHA-256
}

// Result is the outcome of a completed Request.
type Result struct {
	*Request
	Size int64
}

// Downloader bounds outbound HTTP concurrency through a single pond result
// pool and deduplicates concurrent requests for the same destination.
type Downloader struct {
	pool   pond.ResultPool[*Result]
	client *grab.Client

	inflight sync.Map // map[string]*waiter, keyed by blake3(destination)
}

type waiter struct {
	done   chan struct{}
	result *Result
	err    error
	key    string
}

// New returns a Downloader bounded to maxParallel concurrent HTTP requests.
func New(ctx context.Context, httpClient *http.Client, maxParallel int) *Downloader {
	if maxParallel <= 0 {
		maxParallel = DefaultNetworkConcurrency
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Downloader{
		pool:   pond.NewResultPool[*Result](maxParallel, pond.WithContext(ctx), pond.WithoutPanicRecovery()),
		client: &grab.Client{HTTPClient: httpClient},
	}
}

// Shutdown drains the pool, waiting for in-flight requests to finish.
func (d *Downloader) Shutdown() {
	d.pool.StopAndWait()
}

// dedupKey hashes the destination path with blake3: fast, non-cryptographic,
// used only to key the in-flight map, not the CAS's durable SHA-256 address.
func dedupKey(destination string) string {
	sum := blake3.Sum256([]byte(destination))
	return hex.EncodeToString(sum[:])
}

// Fetch downloads a single request, deduplicating against any other Fetch
// racing for the same destination.
func (d *Downloader) Fetch(ctx context.Context, req *Request) (*Result, error) {
	key := dedupKey(req.Destination)
	w := &waiter{done: make(chan struct{}), key: key}

	actual, loaded := d.inflight.LoadOrStore(key, w)
	if loaded {
		existing := actual.(*waiter)
		<-existing.done
		return existing.result, existing.err
	}
	defer d.inflight.Delete(key)

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		w.err = err
		close(w.done)
		return nil, err
	}

	result, err := d.pool.SubmitErr(func() (*Result, error) {
		return d.fetch(ctx, req)
	}).Wait()

	w.result = result
	w.err = err
	close(w.done)

	return result, err
}

// FetchAll submits every request to the bounded pool concurrently and
// waits for all of them.
func (d *Downloader) FetchAll(ctx context.Context, requests ...*Request) ([]*Result, error) {
	group := d.pool.NewGroupContext(ctx)
	for _, req := range requests {
		req := req
		group.SubmitErr(func() (*Result, error) {
			return d.Fetch(ctx, req)
		})
	}
	return group.Wait()
}

func (d *Downloader) fetch(ctx context.Context, req *Request) (*Result, error) {
	grabReq, err := grab.NewRequest(req.Destination, req.URL)
	if err != nil {
		return nil, err
	}
	grabReq = grabReq.WithContext(ctx)

	if req.Checksum != "" {
		expected, err := hex.DecodeString(req.Checksum)
		if err != nil {
			return nil, fmt.Errorf("decoding checksum for %s: %w", req.URL, err)
		}
		grabReq.SetChecksum(sha256.New(), expected, true)
	}

	resp := d.client.Do(grabReq)
	<-resp.Done

	if resp.Err() != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(req.Destination), resp.Err())
	}

	slog.Debug("downloaded", "file", filepath.Base(req.Destination), "bytes", resp.Size())

	return &Result{Request: req, Size: resp.Size()}, nil
}
