package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	httpTimeoutEnvKey  = "DEDUP_HTTP_TIMEOUT"
)

// Client is a simple HTTP client for the dedupstore API.
type Client struct {
	baseURL string
	http    *http.Client
	// stream carries payload transfers, which are bounded by ctx rather than
	// a fixed timeout.
	stream *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: httpTimeoutFromEnv()},
		stream:  &http.Client{},
	}
}

// Ping checks whether the API server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Upload streams r as a multipart upload.
func (c *Client) Upload(ctx context.Context, r io.Reader, filename, mediaType string) (UploadResponse, error) {
	var resp UploadResponse

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, r, filename, mediaType))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", pr)
	if err != nil {
		pr.Close()
		return resp, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	httpResp, err := c.stream.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return resp, err
	}
	defer httpResp.Body.Close()
	// Unblock the writer if the server answered before reading the body.
	pr.CloseWithError(io.ErrClosedPipe)

	if httpResp.StatusCode >= 400 {
		return resp, decodeError(httpResp)
	}
	err = json.NewDecoder(httpResp.Body).Decode(&resp)
	return resp, err
}

func writeUploadForm(mw *multipart.Writer, r io.Reader, filename, mediaType string) error {
	if filename != "" {
		if err := mw.WriteField("filename", filename); err != nil {
			return err
		}
	}
	if mediaType != "" {
		if err := mw.WriteField("media_type", mediaType); err != nil {
			return err
		}
	}
	name := filename
	if name == "" {
		name = "upload"
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// GetFile returns one file record.
func (c *Client) GetFile(ctx context.Context, id string) (FileResponse, error) {
	var resp FileResponse
	err := c.do(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListFiles returns one page of files matching q.
func (c *Client) ListFiles(ctx context.Context, q ListQuery) (ListResponse, error) {
	var resp ListResponse
	err := c.do(ctx, http.MethodGet, "/v1/files", q.Values(), &resp)
	return resp, err
}

// ListSmall returns files no larger than maxBytes, smallest first.
func (c *Client) ListSmall(ctx context.Context, maxBytes int64) (ListResponse, error) {
	var resp ListResponse
	query := url.Values{}
	query.Set("max_size", strconv.FormatInt(maxBytes, 10))
	err := c.do(ctx, http.MethodGet, "/v1/files/small", query, &resp)
	return resp, err
}

// Download copies a file's payload to w and returns the number of bytes written.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+url.PathEscape(id)+"/content", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

// DeleteFile removes a file record.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/files/"+url.PathEscape(id), nil, nil)
}

// Stats returns storage statistics.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &resp)
	return resp, err
}

// Reconcile runs a reconciliation pass. Non-dry runs need confirm.
func (c *Client) Reconcile(ctx context.Context, dryRun, confirm bool) (ReconcileResponse, error) {
	var resp ReconcileResponse
	query := url.Values{}
	if dryRun {
		query.Set("dry_run", "true")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/admin/reconcile", query), nil)
	if err != nil {
		return resp, err
	}
	if confirm {
		req.Header.Set("X-Confirm", "true")
	}
	httpResp, err := c.stream.Do(req)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 400 {
		return resp, decodeError(httpResp)
	}
	err = json.NewDecoder(httpResp.Body).Decode(&resp)
	return resp, err
}

// Values encodes the query for GET /v1/files.
func (q ListQuery) Values() url.Values {
	v := url.Values{}
	if q.Filename != "" {
		v.Set("filename", q.Filename)
	}
	if q.MediaType != "" {
		v.Set("media_type", q.MediaType)
	}
	if q.UploadedAfter != nil {
		v.Set("uploaded_after", q.UploadedAfter.UTC().Format(time.RFC3339Nano))
	}
	if q.UploadedBefore != nil {
		v.Set("uploaded_before", q.UploadedBefore.UTC().Format(time.RFC3339Nano))
	}
	if q.MinSize != nil {
		v.Set("min_size", strconv.FormatInt(*q.MinSize, 10))
	}
	if q.MaxSize != nil {
		v.Set("max_size", strconv.FormatInt(*q.MaxSize, 10))
	}
	if q.OrderBySize {
		v.Set("sort", "size")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

func (c *Client) endpoint(path string, query url.Values) string {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		apiErr.Code = errResp.Code
		apiErr.ErrorCode = errResp.ErrorCode
		apiErr.Message = errResp.Error
		return apiErr
	}
	apiErr.Message = fmt.Sprintf("api error: %s", resp.Status)
	return apiErr
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}
