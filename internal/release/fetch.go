package release

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"cargomsfs/internal/errs"
	"cargomsfs/internal/logx"
)

const (
	userAgent = "cargo-msfs/1.0"

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// HTTPFetcher downloads artifacts over HTTP. Idempotent GETs are retried a
// bounded number of times on transport errors and 5xx/429 responses. After
// breakerThreshold consecutive retryable failures the fetcher stops issuing
// requests until breakerCooldown has passed.
type HTTPFetcher struct {
	Client  *http.Client
	Retries int
	Backoff time.Duration
	Logger  *zap.Logger

	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewHTTPFetcher returns a fetcher with the given attempt count and timeout.
func NewHTTPFetcher(retries int, timeout time.Duration, logger *zap.Logger) *HTTPFetcher {
	if retries <= 0 {
		retries = 3
	}
	f := &HTTPFetcher{
		Client:  &http.Client{Timeout: timeout},
		Retries: retries,
		Backoff: 500 * time.Millisecond,
		Logger:  logx.OrNop(logger),
	}
	f.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "sdk-downloads",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger().Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Client errors such as 404 say nothing about the host's health.
		IsSuccessful: func(err error) bool {
			var retryable retryableError
			return err == nil || !errors.As(err, &retryable)
		},
	})
	return f
}

type retryableError struct{ err error }

func (r retryableError) Error() string { return r.err.Error() }
func (r retryableError) Unwrap() error { return r.err }

// Download writes url to dest atomically and returns the hex SHA-256 of the
// bytes written.
func (f *HTTPFetcher) Download(ctx context.Context, url, dest string, progress ProgressFunc) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errs.Wrap(errs.KindIO, err, "prepare download destination")
	}

	var sum string
	err := f.withRetry(ctx, url, func() error {
		var err error
		sum, err = f.downloadOnce(ctx, url, dest, progress)
		return err
	})
	if err != nil {
		return "", errs.Wrap(errs.KindDownload, err, fmt.Sprintf("download %s", url))
	}
	return sum, nil
}

// Get fetches url into memory. It is used for small metadata documents.
func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := f.withRetry(ctx, url, func() error {
		resp, err := f.do(ctx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retryableError{fmt.Errorf("read body: %w", err)}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindDownload, err, fmt.Sprintf("fetch %s", url))
	}
	return body, nil
}

func (f *HTTPFetcher) withRetry(ctx context.Context, url string, fn func() error) error {
	attempts := f.Retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = f.guard(fn)
		if errors.Is(lastErr, gobreaker.ErrOpenState) || errors.Is(lastErr, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s unreachable after repeated failures: %w", hostOf(url), lastErr)
		}
		if lastErr == nil {
			return nil
		}
		var retryable retryableError
		if !errors.As(lastErr, &retryable) || attempt == attempts {
			break
		}
		f.logger().Warn("download attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.Backoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (f *HTTPFetcher) guard(fn func() error) error {
	if f.breaker == nil {
		return fn()
	}
	_, err := f.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func hostOf(raw string) string {
	if u, err := neturl.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

func (f *HTTPFetcher) do(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retryableError{err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		statusErr := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retryableError{statusErr}
		}
		return nil, statusErr
	}
	return resp, nil
}

func (f *HTTPFetcher) downloadOnce(ctx context.Context, url, dest string, progress ProgressFunc) (string, error) {
	resp, err := f.do(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	tmpFile, err := os.CreateTemp(filepath.Dir(dest), "download-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	h := sha256.New()
	var body io.Reader = resp.Body
	if progress != nil {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	if _, err := io.Copy(io.MultiWriter(tmpFile, h), body); err != nil {
		tmpFile.Close()
		return "", retryableError{fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("finalize download: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (f *HTTPFetcher) logger() *zap.Logger {
	return logx.OrNop(f.Logger)
}

type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}
