package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// httpAPI is the shared JSON-over-HTTP plumbing used by every adapter.
type httpAPI struct {
	base   string
	client *http.Client
}

const (
	requestTimeout = 60 * time.Second
	retryBackoff   = 200 * time.Millisecond
	maxErrorBody   = 32 << 10
)

func newHTTPAPI(base string, client *http.Client) httpAPI {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return httpAPI{base: base, client: client}
}

// getJSON issues a GET and decodes the 2xx body into out. Transport
// failures are retried once after a short backoff; GETs against engines
// are idempotent.
func (a httpAPI) getJSON(ctx context.Context, path string, out any) error {
	resp, err := a.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryBackoff):
		}
		resp, err = a.do(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
	}
	return decodeJSON(resp, out)
}

// postJSON issues a POST with a JSON body and decodes the 2xx response
// into out. POSTs are never retried.
func (a httpAPI) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &InvalidResponseError{Reason: fmt.Sprintf("encode request: %v", err)}
	}
	resp, err := a.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// postStream issues a POST and hands the raw 2xx body to the caller,
// who owns closing it. Used by the streaming chat paths.
func (a httpAPI) postStream(ctx context.Context, path string, in any) (io.ReadCloser, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, &InvalidResponseError{Reason: fmt.Sprintf("encode request: %v", err)}
	}
	resp, err := a.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

// postMultipart uploads a file field plus string fields, decoding the
// 2xx response into out. Used by transcription.
func (a httpAPI) postMultipart(ctx context.Context, path, fileField, filename string, file []byte, fields map[string]string, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(fileField, filename)
	if err != nil {
		return &NetworkError{Reason: fmt.Sprintf("build multipart body: %v", err), Err: err}
	}
	if _, err := fw.Write(file); err != nil {
		return &NetworkError{Reason: fmt.Sprintf("build multipart body: %v", err), Err: err}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return &NetworkError{Reason: fmt.Sprintf("build multipart body: %v", err), Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return &NetworkError{Reason: fmt.Sprintf("build multipart body: %v", err), Err: err}
	}
	resp, err := a.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType())
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// probe issues a GET and reports latency plus status without reading
// the body. Used by health checks.
func (a httpAPI) probe(ctx context.Context, path string) (time.Duration, int, error) {
	start := time.Now()
	resp, err := a.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return time.Since(start), 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return time.Since(start), resp.StatusCode, nil
}

func (a httpAPI) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return nil, &NetworkError{Reason: fmt.Sprintf("build request: %v", err), Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Reason: fmt.Sprintf("%s %s: %v", method, path, err), Err: err}
	}
	return resp, nil
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &InvalidResponseError{Reason: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// apiError reads a bounded slice of a non-2xx body and extracts an
// error message if the body is JSON.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	reason := string(bytes.TrimSpace(raw))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Error.Message != "" {
			reason = envelope.Error.Message
		} else if envelope.Message != "" {
			reason = envelope.Message
		}
	}
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return &APIError{Reason: reason, StatusCode: resp.StatusCode}
}
