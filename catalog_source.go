// catalog_source.go: Pluggable sources for metadata catalogs
//
// Catalog sources are registered by URL scheme. file, http and https are
// built in; other schemes (an object store, a config service) can be added
// with RegisterCatalogSource.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	"go.uber.org/zap"
)

// maxCatalogSize bounds what a source may return
const maxCatalogSize = 16 << 20

// CatalogSource fetches raw catalog documents for one URL scheme
type CatalogSource interface {
	// Scheme returns the URL scheme handled by this source
	Scheme() string

	// Load returns the raw catalog document
	Load(ctx context.Context, sourceURL string) ([]byte, error)
}

// SourceOptions controls loading from a catalog source
type SourceOptions struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *zap.Logger
}

// DefaultSourceOptions returns 10s timeout and 3 retries one second apart
func DefaultSourceOptions() *SourceOptions {
	return &SourceOptions{
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

var (
	catalogSources   = make(map[string]CatalogSource)
	catalogSourcesMu sync.RWMutex
)

func init() {
	_ = RegisterCatalogSource(fileSource{})
	_ = RegisterCatalogSource(&httpSource{scheme: "http", client: http.DefaultClient})
	_ = RegisterCatalogSource(&httpSource{scheme: "https", client: http.DefaultClient})
}

// RegisterCatalogSource registers a source; duplicate schemes are rejected
func RegisterCatalogSource(source CatalogSource) error {
	if source == nil {
		return errors.New(ErrCodeInvalidConfig, "catalog source cannot be nil")
	}
	scheme := strings.ToLower(source.Scheme())
	if scheme == "" {
		return errors.New(ErrCodeInvalidConfig, "catalog source scheme cannot be empty")
	}

	catalogSourcesMu.Lock()
	defer catalogSourcesMu.Unlock()
	if _, exists := catalogSources[scheme]; exists {
		return errors.New(ErrCodeInvalidConfig,
			fmt.Sprintf("catalog source for scheme '%s' already registered", scheme))
	}
	catalogSources[scheme] = source
	return nil
}

// GetCatalogSource returns the source registered for scheme
func GetCatalogSource(scheme string) (CatalogSource, error) {
	catalogSourcesMu.RLock()
	defer catalogSourcesMu.RUnlock()
	source, ok := catalogSources[strings.ToLower(scheme)]
	if !ok {
		return nil, errors.New(ErrCodeSourceError,
			fmt.Sprintf("no catalog source registered for scheme '%s'", scheme))
	}
	return source, nil
}

// LoadCatalogFromURL loads a catalog from a registered source with
// bounded retries. A location without scheme is a local file path.
func LoadCatalogFromURL(ctx context.Context, location string, opts *SourceOptions) (*Catalog, error) {
	options := sourceOptions(opts)
	source, target, err := resolveSource(location)
	if err != nil {
		return nil, err
	}

	data, err := loadWithRetries(ctx, source, target, options)
	if err != nil {
		return nil, err
	}
	catalog, err := ParseCatalog(data, options.Logger)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeMetadataError, "invalid catalog from source").
			WithContext("source", location)
	}
	return catalog, nil
}

// LoadCatalogWithFallback loads the primary catalog and falls back to the
// secondary one when the primary cannot be fetched or parsed. It returns
// the location actually used.
func LoadCatalogWithFallback(ctx context.Context, primary, fallback string, opts *SourceOptions) (*Catalog, string, error) {
	options := sourceOptions(opts)

	catalog, err := LoadCatalogFromURL(ctx, primary, options)
	if err == nil {
		return catalog, primary, nil
	}
	if fallback == "" {
		return nil, "", err
	}
	options.Logger.Warn("primary metadata catalog unavailable, using fallback",
		zap.String("primary", primary),
		zap.String("fallback", fallback),
		zap.Error(err))

	catalog, fallbackErr := LoadCatalogFromURL(ctx, fallback, options)
	if fallbackErr != nil {
		return nil, "", errors.Wrap(fallbackErr, ErrCodeSourceError, "primary and fallback catalogs unavailable").
			WithContext("primary_error", err.Error())
	}
	return catalog, fallback, nil
}

func sourceOptions(opts *SourceOptions) *SourceOptions {
	options := DefaultSourceOptions()
	if opts != nil {
		o := *opts
		options = &o
	}
	if options.Timeout <= 0 {
		options.Timeout = 10 * time.Second
	}
	if options.RetryAttempts < 0 {
		options.RetryAttempts = 0
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return options
}

func resolveSource(location string) (CatalogSource, string, error) {
	if location == "" {
		return nil, "", errors.New(ErrCodeSourceError, "catalog location cannot be empty")
	}
	parsed, err := url.Parse(location)
	if err != nil || parsed.Scheme == "" || len(parsed.Scheme) == 1 {
		// plain path (single-letter schemes are Windows drive letters)
		source, err := GetCatalogSource("file")
		return source, location, err
	}
	source, err := GetCatalogSource(parsed.Scheme)
	if err != nil {
		return nil, "", err
	}
	return source, location, nil
}

func loadWithRetries(ctx context.Context, source CatalogSource, target string, options *SourceOptions) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, options.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= options.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := waitForRetry(ctx, options.RetryDelay); err != nil {
				return nil, err
			}
		}
		data, err := source.Load(ctx, target)
		if err == nil {
			return data, nil
		}
		lastErr = err
		options.Logger.Debug("catalog load attempt failed",
			zap.String("source", target),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if shouldStopRetrying(err) {
			break
		}
	}
	return nil, errors.Wrap(lastErr, ErrCodeSourceError, "failed to load metadata catalog").
		WithContext("source", target)
}

func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), ErrCodeSourceError, "context canceled during retry")
	}
}

// shouldStopRetrying is true for cancellation and for failures a retry
// cannot fix: HTTP 4xx, missing files, invalid paths
func shouldStopRetrying(err error) bool {
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *httpStatusError
	if goerrors.As(err, &statusErr) {
		return statusErr.status >= 400 && statusErr.status < 500
	}
	if goerrors.Is(err, os.ErrNotExist) || goerrors.Is(err, os.ErrPermission) {
		return true
	}
	return ErrorCode(err) == ErrCodeInvalidConfig
}

// fileSource reads catalogs from the local file system
type fileSource struct{}

func (fileSource) Scheme() string { return "file" }

func (fileSource) Load(_ context.Context, location string) ([]byte, error) {
	path := location
	if strings.HasPrefix(location, "file://") {
		parsed, err := url.Parse(location)
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "invalid file URL")
		}
		path = parsed.Path
	}
	if err := ValidateSecurePath(path); err != nil {
		return nil, err
	}
	// #nosec G304 -- path validated above
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, maxCatalogSize))
}

// httpSource fetches catalogs with GET
type httpSource struct {
	scheme string
	client *http.Client
}

type httpStatusError struct {
	status int
	url    string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.url, e.status)
}

func (s *httpSource) Scheme() string { return s.scheme }

func (s *httpSource) Load(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "invalid catalog URL")
	}
	req.Header.Set("Accept", "application/yaml, text/yaml, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, url: location}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
}
