// Package fetch downloads GGUF models by content hash from an IPFS HTTP
// gateway into the local models directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"inferd/internal/common/fsutil"
)

// DefaultGateway is the public Filebase IPFS gateway.
const DefaultGateway = "https://ipfs.filebase.io/ipfs/"

var ggufMagic = []byte("GGUF")

// ErrNotGGUF is returned when the downloaded content lacks the GGUF magic.
var ErrNotGGUF = errors.New("fetch: content is not a GGUF file")

// StatusError reports a non-200 gateway response.
type StatusError struct {
	Hash   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: gateway status %d", e.Hash, e.Status)
}

var (
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "fetch",
			Name:      "downloads_total",
			Help:      "Model downloads by outcome (ok|cached|error)",
		},
		[]string{"outcome"},
	)
	fetchBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Bytes downloaded from the gateway",
		},
	)
)

func init() {
	prometheus.MustRegister(fetchTotal, fetchBytes)
}

// GatewayFetcher stores models as <Dir>/<hash>.gguf.
type GatewayFetcher struct {
	Gateway string
	Dir     string
	Client  *http.Client
	Logger  zerolog.Logger
	// ProgressEvery is the interval between progress log lines.
	ProgressEvery time.Duration

	group singleflight.Group
}

// New returns a fetcher against gateway (DefaultGateway when empty).
func New(gateway, dir string, log zerolog.Logger) *GatewayFetcher {
	if gateway == "" {
		gateway = DefaultGateway
	}
	return &GatewayFetcher{
		Gateway:       gateway,
		Dir:           dir,
		Client:        &http.Client{Timeout: 0},
		Logger:        log,
		ProgressEvery: 5 * time.Second,
	}
}

// Fetch returns the local path of hash, downloading it first when absent.
// Concurrent calls for the same hash share one download.
func (f *GatewayFetcher) Fetch(ctx context.Context, hash string) (string, error) {
	if hash == "" || strings.ContainsAny(hash, `/\`) {
		return "", fmt.Errorf("fetch: invalid hash %q", hash)
	}
	dir, err := fsutil.ExpandHome(f.Dir)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, hash+".gguf")
	if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() {
		fetchTotal.WithLabelValues("cached").Inc()
		return dst, nil
	}
	ch := f.group.DoChan(hash, func() (any, error) {
		return dst, f.download(ctx, hash, dst)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			fetchTotal.WithLabelValues("error").Inc()
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (f *GatewayFetcher) download(ctx context.Context, hash, dst string) error {
	url := strings.TrimRight(f.Gateway, "/") + "/" + hash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	log := f.Logger.With().Str("hash", hash).Logger()
	log.Info().Str("event", "fetch_start").Str("url", url).Msg("downloading model")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", hash, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Hash: hash, Status: resp.StatusCode}
	}

	pr := &progressReader{r: resp.Body, total: resp.ContentLength}
	stop := make(chan struct{})
	defer close(stop)
	if f.ProgressEvery > 0 {
		go pr.report(log, f.ProgressEvery, stop)
	}
	start := time.Now()
	n, err := fsutil.WriteAtomic(dst, &magicReader{r: pr})
	fetchBytes.Add(float64(n))
	if err != nil {
		return fmt.Errorf("fetch %s: %w", hash, err)
	}
	fetchTotal.WithLabelValues("ok").Inc()
	log.Info().
		Str("event", "fetch_done").
		Int64("bytes", n).
		Dur("elapsed", time.Since(start)).
		Str("path", dst).
		Msg("model downloaded")
	return nil
}

type progressReader struct {
	r     io.Reader
	total int64
	read  atomic.Int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read.Add(int64(n))
	return n, err
}

func (p *progressReader) report(log zerolog.Logger, every time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ev := log.Info().Str("event", "fetch_progress").Int64("bytes", p.read.Load())
			if p.total > 0 {
				ev = ev.Int64("total", p.total).
					Float64("percent", float64(p.read.Load())*100/float64(p.total))
			}
			ev.Msg("download progress")
		}
	}
}

// magicReader fails the stream unless it starts with the GGUF magic.
type magicReader struct {
	r       io.Reader
	checked int
}

func (m *magicReader) Read(b []byte) (int, error) {
	n, err := m.r.Read(b)
	for i := 0; i < n && m.checked < len(ggufMagic); i++ {
		if b[i] != ggufMagic[m.checked] {
			return 0, ErrNotGGUF
		}
		m.checked++
	}
	if err == io.EOF && m.checked < len(ggufMagic) {
		return n, ErrNotGGUF
	}
	return n, err
}
