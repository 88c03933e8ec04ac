// Package origin is the HTTP client for the remote asset origin.
//
// The origin exposes three resources:
//
//	GET {config_url}/version?sign=<unix seconds>   -> {"clientVersion": "...", "resVersion": "..."}
//	GET {asset_url}/{content}/hot_update_list.json -> manifest JSON
//	GET {asset_url}/{content}/{transport_path}     -> packed file bytes
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/superfly/catalogsync"
)

// ManifestFile is the name of the manifest resource under a content label.
const ManifestFile = "hot_update_list.json"

const (
	opReleaseLabels = "release-labels"
	opManifest      = "manifest"
	opFetchFile     = "fetch-file"
)

// Config holds origin endpoints and HTTP behaviour.
type Config struct {
	ConfigURL    string        `yaml:"config_url"`
	AssetURL     string        `yaml:"asset_url"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryMax     int           `yaml:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
	// MaxFileSize caps a single fetched body. Zero means 1 GiB.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 10 * time.Second,
		MaxFileSize:  1 << 30,
	}
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Client implements catalogsync.Origin over HTTP.
type Client struct {
	http      *retryablehttp.Client
	configURL string
	assetURL  string
	maxSize   int64
	logger    logrus.FieldLogger
	now       func() time.Time
}

var _ catalogsync.Origin = (*Client)(nil)

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = def.RetryWaitMax
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}

	configURL, err := baseURL("config_url", cfg.ConfigURL)
	if err != nil {
		return nil, err
	}
	assetURL, err := baseURL("asset_url", cfg.AssetURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		configURL: configURL,
		assetURL:  assetURL,
		maxSize:   cfg.MaxFileSize,
		logger:    logrus.StandardLogger(),
		now:       time.Now,
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = cfg.RetryWaitMin
	hc.RetryWaitMax = cfg.RetryWaitMax
	hc.Logger = nil
	// Hand the final response back so status codes surface as StatusError.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"url":     req.URL.String(),
				"attempt": attempt,
			}).Warn("retrying origin request")
		}
	}
	c.http = hc

	return c, nil
}

func baseURL(name, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("origin %s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid origin %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid origin %s %q: scheme must be http or https", name, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid origin %s %q: missing host", name, raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// SetLogger sets a custom logger.
func (c *Client) SetLogger(logger logrus.FieldLogger) {
	c.logger = logger
}

type remoteVersion struct {
	ClientVersion string `json:"clientVersion"`
	ResVersion    string `json:"resVersion"`
}

// ReleaseLabels asks the origin which release it currently advertises.
func (c *Client) ReleaseLabels(ctx context.Context) (catalogsync.Labels, error) {
	target := c.configURL + "/version?sign=" + strconv.FormatInt(c.now().Unix(), 10)

	body, err := c.get(ctx, target)
	if err != nil {
		return catalogsync.Labels{}, &catalogsync.OriginError{Op: opReleaseLabels, Err: err}
	}

	var v remoteVersion
	if err := json.Unmarshal(body, &v); err != nil {
		return catalogsync.Labels{}, &catalogsync.OriginError{
			Op:  opReleaseLabels,
			Err: fmt.Errorf("failed to decode version response: %w", err),
		}
	}
	if v.ClientVersion == "" || v.ResVersion == "" {
		return catalogsync.Labels{}, &catalogsync.OriginError{
			Op:  opReleaseLabels,
			Err: errors.New("version response is missing clientVersion or resVersion"),
		}
	}

	labels := catalogsync.Labels{Client: v.ClientVersion, Content: v.ResVersion}
	c.logger.WithFields(logrus.Fields{
		"client_label":  labels.Client,
		"content_label": labels.Content,
	}).Debug("origin release labels")
	return labels, nil
}

// Manifest returns the manifest text for a content label.
func (c *Client) Manifest(ctx context.Context, contentLabel string) (string, error) {
	target := c.assetURL + "/" + url.PathEscape(contentLabel) + "/" + ManifestFile
	body, err := c.get(ctx, target)
	if err != nil {
		return "", &catalogsync.OriginError{Op: opManifest, Target: contentLabel, Err: err}
	}
	return string(body), nil
}

// FetchFile downloads one packed file.
func (c *Client) FetchFile(ctx context.Context, contentLabel, transportPath string) ([]byte, error) {
	target := c.assetURL + "/" + url.PathEscape(contentLabel) + "/" + url.PathEscape(transportPath)
	start := time.Now()
	body, err := c.get(ctx, target)
	if err != nil {
		return nil, &catalogsync.OriginError{Op: opFetchFile, Target: transportPath, Err: err}
	}
	c.logger.WithFields(logrus.Fields{
		"content_label": contentLabel,
		"path":          transportPath,
		"size":          humanize.IBytes(uint64(len(body))),
		"duration_ms":   time.Since(start).Milliseconds(),
	}).Debug("fetched file")
	return body, nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > c.maxSize {
		return nil, fmt.Errorf("response body exceeds %s", humanize.IBytes(uint64(c.maxSize)))
	}
	return body, nil
}
