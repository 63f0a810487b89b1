// Package transfer implements the two upload strategies against the asset
// service: a single multipart-form POST for small files and the chunked
// multipart engine for large ones.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	"github.com/snapship/snapship/pkg/errors"
	"github.com/snapship/snapship/pkg/types"
)

// UploadType values accepted by the asset service.
const (
	UploadTypeSingle    = "single"
	UploadTypeMultipart = "multipart"
)

// Client talks to the asset service REST API and the presigned storage URLs
// it hands out.
type Client struct {
	baseURL    string
	gallery    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithSpeedLimit throttles all body writes to limit bytes/second.
// A non-positive limit disables throttling.
func WithSpeedLimit(limit int64) ClientOption {
	return func(c *Client) {
		if limit > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(limit), int(limit))
		}
	}
}

// NewClient creates an asset service client.
func NewClient(baseURL, gallery string, timeout time.Duration, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		gallery:    gallery,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "transfer-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateUploadRequest is the body of POST /assets.
type CreateUploadRequest struct {
	Gallery       string `json:"gallery"`
	AssetName     string `json:"assetName"`
	ContentLength int64  `json:"contentLength"`
	UploadType    string `json:"uploadType"`
}

// CreateUploadResponse covers both strategy shapes returned by POST /assets.
type CreateUploadResponse struct {
	// Single-part shape.
	UploadURL  string            `json:"uploadUrl,omitempty"`
	FormFields map[string]string `json:"formFields,omitempty"`

	// Multipart shape. len(URLs) is the server's part count.
	URLs        []string `json:"urls,omitempty"`
	UploadID    string   `json:"uploadId,omitempty"`
	OriginalKey string   `json:"originalKey,omitempty"`
}

// CreateUpload asks the asset service for pre-authorized upload targets.
func (c *Client) CreateUpload(ctx context.Context, assetName string, contentLength int64, uploadType string) (*CreateUploadResponse, error) {
	reqBody := CreateUploadRequest{
		Gallery:       c.gallery,
		AssetName:     assetName,
		ContentLength: contentLength,
		UploadType:    uploadType,
	}

	var resp CreateUploadResponse
	if err := c.postJSON(ctx, c.baseURL+"/assets", reqBody, &resp); err != nil {
		return nil, err
	}

	switch uploadType {
	case UploadTypeSingle:
		if resp.UploadURL == "" {
			return nil, errors.New(errors.ErrCodeInvalidUploadTarget,
				"asset service returned no upload URL").WithComponent("transfer-client")
		}
	case UploadTypeMultipart:
		if len(resp.URLs) == 0 {
			return nil, errors.New(errors.ErrCodeInvalidUploadTarget,
				"asset service returned no part URLs").WithComponent("transfer-client")
		}
		if resp.UploadID == "" {
			return nil, errors.New(errors.ErrCodeMissingUploadID,
				"asset service returned no uploadId").WithComponent("transfer-client")
		}
		if resp.OriginalKey == "" {
			return nil, errors.New(errors.ErrCodeMissingOriginalKey,
				"asset service returned no originalKey").WithComponent("transfer-client")
		}
	}

	return &resp, nil
}

// UploadChunk PUTs one chunk's raw bytes to its presigned target and returns
// the unquoted ETag.
func (c *Client) UploadChunk(ctx context.Context, targetURL string, data []byte) (string, error) {
	if err := c.throttle(ctx, len(data)); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, targetURL, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidUploadTarget, "invalid chunk target", err).
			WithComponent("transfer-client")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeNetwork, "chunk PUT failed", err).
			WithComponent("transfer-client")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Newf(errors.ErrCodeChunkTransfer,
			"chunk PUT returned status %d", resp.StatusCode).
			WithComponent("transfer-client")
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", errors.New(errors.ErrCodeMissingETag,
			"storage response carried no ETag header").
			WithComponent("transfer-client").
			WithRetryable(false)
	}

	return etag, nil
}

// CompleteMultipartRequest is the body of POST /multipart_uploads/complete.
type CompleteMultipartRequest struct {
	Key      string                `json:"key"`
	UploadID string                `json:"uploadId"`
	Parts    []types.CompletedPart `json:"parts"`
}

// CompleteMultipart finalizes a multipart session. Parts are submitted sorted
// ascending by part number regardless of completion order.
func (c *Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) error {
	sorted := make([]types.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	req := CompleteMultipartRequest{Key: key, UploadID: uploadID, Parts: sorted}
	if err := c.postJSON(ctx, c.baseURL+"/multipart_uploads/complete", req, nil); err != nil {
		return errors.Wrap(errors.ErrCodeMultipartComplete,
			"multipart completion rejected", err).WithComponent("transfer-client")
	}
	return nil
}

// AbortMultipartRequest is the body of POST /multipart_uploads/abort.
type AbortMultipartRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

// AbortMultipart tells the backend to discard a partially-uploaded session so
// orphaned parts do not accumulate.
func (c *Client) AbortMultipart(ctx context.Context, key, uploadID string) error {
	req := AbortMultipartRequest{Key: key, UploadID: uploadID}
	if err := c.postJSON(ctx, c.baseURL+"/multipart_uploads/abort", req, nil); err != nil {
		return errors.Wrap(errors.ErrCodeMultipartAbort, "multipart abort failed", err).
			WithComponent("transfer-client")
	}
	return nil
}

// UploadForm POSTs the whole file as multipart/form-data to a presigned URL,
// with the server-supplied auth fields first and the file body under the
// "file" field. onProgress receives byte deltas as the body streams out.
func (c *Client) UploadForm(ctx context.Context, targetURL string, fields map[string]string, filePath string, onProgress func(int64)) error {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(errors.ErrCodeFileNotFound, "file not found: "+filePath, err).
				WithComponent("transfer-client")
		}
		return errors.Wrap(errors.ErrCodeFileRead, "failed to open "+filePath, err).
			WithComponent("transfer-client")
	}
	defer file.Close()

	contentType := detectContentType(filePath)

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()

		for key, value := range fields {
			if werr = form.WriteField(key, value); werr != nil {
				return
			}
		}

		var part io.Writer
		part, werr = form.CreatePart(fileHeader(filepath.Base(filePath), contentType))
		if werr != nil {
			return
		}

		src := io.Reader(file)
		if onProgress != nil || c.limiter != nil {
			src = &countingReader{ctx: ctx, r: file, limiter: c.limiter, onRead: onProgress}
		}
		if _, werr = io.Copy(part, src); werr != nil {
			return
		}

		werr = form.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, pr)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidUploadTarget, "invalid upload URL", err).
			WithComponent("transfer-client")
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodeNetwork, "form POST failed", err).
			WithComponent("transfer-client")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf(errors.ErrCodeUploadRejected,
			"form POST returned status %d", resp.StatusCode).
			WithComponent("transfer-client").
			WithContext("content_type", contentType)
	}

	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// fileHeader builds the MIME header for the "file" part, carrying the
// detected content type instead of the octet-stream default.
func fileHeader(filename, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	return h
}

// postJSON issues a JSON POST and decodes the optional response body.
func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to encode request", err).
			WithComponent("transfer-client")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidUploadTarget, "invalid service URL", err).
			WithComponent("transfer-client")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodeNetwork, "request to asset service failed", err).
			WithComponent("transfer-client")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf(errors.ErrCodeUploadRejected,
			"asset service returned status %d: %s", resp.StatusCode, string(snippet)).
			WithComponent("transfer-client")
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(errors.ErrCodeInternalError, "failed to decode response", err).
				WithComponent("transfer-client")
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}

	return nil
}

// throttle waits for rate-limiter tokens covering n bytes.
func (c *Client) throttle(ctx context.Context, n int) error {
	if c.limiter == nil || n == 0 {
		return nil
	}
	burst := c.limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := c.limiter.WaitN(ctx, take); err != nil {
			return errors.Wrap(errors.ErrCodeCanceled, "throttle wait canceled", err).
				WithComponent("transfer-client")
		}
		n -= take
	}
	return nil
}

// countingReader reports read deltas and applies optional throttling.
type countingReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	onRead  func(int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		if cr.limiter != nil {
			burst := cr.limiter.Burst()
			remaining := n
			for remaining > 0 {
				take := remaining
				if take > burst {
					take = burst
				}
				if werr := cr.limiter.WaitN(cr.ctx, take); werr != nil {
					return n, werr
				}
				remaining -= take
			}
		}
		if cr.onRead != nil {
			cr.onRead(int64(n))
		}
	}
	return n, err
}

// detectContentType sniffs the file's MIME type, falling back to the default
// binary type when the file cannot be read.
func detectContentType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}
