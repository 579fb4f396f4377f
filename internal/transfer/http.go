package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"image-batch-go/internal/compressor"
	"image-batch-go/internal/items"
	"image-batch-go/internal/results"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxResponseBytes = 256 << 20

	compressPath    = "/api/compress"
	downloadPath    = "/api/download/"
	downloadAllPath = "/api/download-all"
)

// Options configures an HTTPClient.
type Options struct {
	BaseURL          string
	Timeout          time.Duration
	MaxResponseBytes int64
	// HTTPClient overrides the client built from Timeout, mainly for tests.
	HTTPClient *http.Client
}

// HTTPClient talks to the compression service over HTTP.
type HTTPClient struct {
	baseURL          string
	http             *http.Client
	maxResponseBytes int64
	log              *logrus.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates opts and returns a ready client.
func NewHTTPClient(opts Options, log *logrus.Logger) (*HTTPClient, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: want http(s)://host", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &HTTPClient{
		baseURL:          strings.TrimRight(u.String(), "/"),
		http:             hc,
		maxResponseBytes: maxBytes,
		log:              log,
	}, nil
}

type wireFile struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Format         string  `json:"format"`
	OriginalSize   int64   `json:"originalSize"`
	CompressedSize int64   `json:"compressedSize"`
	Savings        float64 `json:"savings"`
}

type wireStats struct {
	OriginalSize   int64   `json:"originalSize"`
	CompressedSize int64   `json:"compressedSize"`
	Savings        float64 `json:"savings"`
}

type compressResponse struct {
	Files []wireFile `json:"files"`
	Stats wireStats  `json:"stats"`
}

// SubmitBatch implements Client.
func (c *HTTPClient) SubmitBatch(ctx context.Context, batch []items.InputItem, settings compressor.Settings, onProgress ProgressFunc) (*results.Batch, error) {
	body, contentType, err := encodeBatch(batch, settings)
	if err != nil {
		return nil, &Error{Op: "submit", Message: "encode request", Err: err}
	}

	pr := newProgressReader(bytes.NewReader(body), int64(len(body)), onProgress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+compressPath, pr)
	if err != nil {
		return nil, &Error{Op: "submit", Message: "create request", Err: err}
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	c.log.WithFields(logrus.Fields{
		"items":   len(batch),
		"bytes":   len(body),
		"quality": settings.Quality,
		"format":  settings.Format,
	}).Debug("Submitting batch")

	data, err := c.do(req, "submit")
	if err != nil {
		return nil, err
	}

	var payload compressResponse
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return nil, &Error{Op: "submit", Message: "decode response", Err: err}
	}

	list := make([]results.CompressedResult, 0, len(payload.Files))
	seen := make(map[string]struct{}, len(payload.Files))
	for _, f := range payload.Files {
		if f.ID == "" {
			return nil, &Error{Op: "submit", Message: fmt.Sprintf("result for %q has no id", f.Name)}
		}
		if _, dup := seen[f.ID]; dup {
			return nil, &Error{Op: "submit", Message: fmt.Sprintf("duplicate result id %q", f.ID)}
		}
		seen[f.ID] = struct{}{}
		list = append(list, results.CompressedResult{
			ID:             f.ID,
			Name:           f.Name,
			Format:         compressor.Format(strings.ToLower(f.Format)),
			OriginalSize:   f.OriginalSize,
			CompressedSize: f.CompressedSize,
		})
	}
	out := results.NewBatch(list)

	if payload.Stats.OriginalSize != out.Stats.OriginalSize || payload.Stats.CompressedSize != out.Stats.CompressedSize {
		c.log.WithFields(logrus.Fields{
			"reported_original":   payload.Stats.OriginalSize,
			"reported_compressed": payload.Stats.CompressedSize,
			"derived_original":    out.Stats.OriginalSize,
			"derived_compressed":  out.Stats.CompressedSize,
		}).Warn("Service stats do not match per-file sizes, using derived totals")
	}

	c.log.Infof("Batch compressed: %d files, %d%% saved", len(out.Results), out.Stats.SavingsPercent)
	return out, nil
}

// FetchOne implements Client.
func (c *HTTPClient) FetchOne(ctx context.Context, resultID string) (*Blob, error) {
	if resultID == "" {
		return nil, &Error{Op: "fetch", Message: "empty result id"}
	}
	return c.fetch(ctx, "fetch", c.baseURL+downloadPath+url.PathEscape(resultID))
}

// FetchArchive implements Client.
func (c *HTTPClient) FetchArchive(ctx context.Context) (*Blob, error) {
	return c.fetch(ctx, "fetch-archive", c.baseURL+downloadAllPath)
}

func (c *HTTPClient) fetch(ctx context.Context, op, endpoint string) (*Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Op: op, Message: "create request", Err: err}
	}

	var header http.Header
	data, err := c.doWithHeader(req, op, &header)
	if err != nil {
		return nil, err
	}

	blob := &Blob{
		Data:        data,
		ContentType: header.Get("Content-Type"),
	}
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			blob.FileName = params["filename"]
		}
	}

	c.log.Debugf("Fetched %s (%d bytes)", endpoint, len(data))
	return blob, nil
}

func (c *HTTPClient) do(req *http.Request, op string) ([]byte, error) {
	return c.doWithHeader(req, op, nil)
}

func (c *HTTPClient) doWithHeader(req *http.Request, op string, header *http.Header) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, &Error{Op: op, Message: "request cancelled", Err: ctxErr}
		}
		return nil, &Error{Op: op, Message: "send request", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Errorf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: statusMessage(resp, data)}
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("response exceeds %d bytes", c.maxResponseBytes)}
	}

	if header != nil {
		*header = resp.Header
	}
	return data, nil
}

// statusMessage extracts a diagnostic from an error response. The service
// guarantees no structure, so a JSON "error" field is used when present and
// a short body excerpt otherwise.
func statusMessage(resp *http.Response, body []byte) string {
	var structured struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if len(body) > 0 && sonic.Unmarshal(body, &structured) == nil {
		if structured.Error != "" {
			return structured.Error
		}
		if structured.Message != "" {
			return structured.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return resp.Status
	}
	return text
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeBatch builds the multipart payload: one "images" part per item plus
// the quality and format fields.
func encodeBatch(batch []items.InputItem, settings compressor.Settings) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, it := range batch {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename="%s"`, quoteEscaper.Replace(it.Name)))
		mediaType := it.MediaType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		h.Set("Content-Type", mediaType)

		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", it.Name, err)
		}
		if _, err := part.Write(it.Content); err != nil {
			return nil, "", fmt.Errorf("write part %s: %w", it.Name, err)
		}
	}

	if err := mw.WriteField("quality", strconv.Itoa(settings.Quality)); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("format", string(settings.Format)); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
