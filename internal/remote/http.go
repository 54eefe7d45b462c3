package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stewardhq/steward/internal/types"
)

// HTTPStore talks to the remote store over its REST API.
//
// Reads retry transient failures with exponential backoff inside the call;
// writes are single-shot so a flaky connection can never double-apply a
// create. Write retries are the outbox's job.
type HTTPStore struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	maxAttempts int
}

// NewHTTPStore creates a remote store client.
func NewHTTPStore(baseURL, apiKey string, timeout time.Duration, maxAttempts int) *HTTPStore {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &HTTPStore{
		baseURL:     baseURL,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
	}
}

// Ping checks connectivity via the health endpoint. Single-shot: the
// connectivity monitor calls it on a schedule anyway.
func (s *HTTPStore) Ping(ctx context.Context) error {
	resp, err := s.send(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("ping", resp)
	}
	return nil
}

func (s *HTTPStore) Get(ctx context.Context, collection, id string) (*Object, error) {
	var obj *Object
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		resp, err := s.send(ctx, http.MethodGet, "/api/v1/"+collection+"/"+url.PathEscape(id), nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError("get "+collection, resp)
		}
		obj = &Object{}
		return decode(resp.Body, obj)
	})
	if err != nil {
		return nil, err
	}
	obj.Collection = collection
	return obj, nil
}

func (s *HTTPStore) List(ctx context.Context, collection string, filter ListFilter) ([]Object, error) {
	q := url.Values{}
	for k, v := range filter.Keys {
		q.Set(k, v)
	}
	if !filter.UpdatedSince.IsZero() {
		q.Set("updated_since", filter.UpdatedSince.UTC().Format(time.RFC3339Nano))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/v1/" + collection
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var objects []Object
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		resp, err := s.send(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError("list "+collection, resp)
		}
		var body struct {
			Objects []Object `json:"objects"`
		}
		if err := decode(resp.Body, &body); err != nil {
			return err
		}
		objects = body.Objects
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range objects {
		objects[i].Collection = collection
	}
	return objects, nil
}

func (s *HTTPStore) Create(ctx context.Context, collection string, attrs map[string]any) (*Object, error) {
	resp, err := s.send(ctx, http.MethodPost, "/api/v1/"+collection, attrs)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, statusError("create "+collection, resp)
	}
	obj := &Object{}
	if err := decode(resp.Body, obj); err != nil {
		return nil, err
	}
	obj.Collection = collection
	return obj, nil
}

func (s *HTTPStore) Update(ctx context.Context, collection, id string, attrs map[string]any) (*Object, error) {
	resp, err := s.send(ctx, http.MethodPatch, "/api/v1/"+collection+"/"+url.PathEscape(id), attrs)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("update "+collection, resp)
	}
	obj := &Object{}
	if err := decode(resp.Body, obj); err != nil {
		return nil, err
	}
	obj.Collection = collection
	return obj, nil
}

func (s *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	resp, err := s.send(ctx, http.MethodDelete, "/api/v1/"+collection+"/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("delete "+collection, resp)
	}
	return nil
}

func (s *HTTPStore) FindByKey(ctx context.Context, collection string, key map[string]string) (*Object, error) {
	q := url.Values{}
	for k, v := range key {
		q.Set(k, v)
	}

	var obj *Object
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		resp, err := s.send(ctx, http.MethodGet, "/api/v1/"+collection+"/find?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			obj = nil
			return nil // no match is a normal answer here
		}
		if resp.StatusCode != http.StatusOK {
			return statusError("find "+collection, resp)
		}
		obj = &Object{}
		return decode(resp.Body, obj)
	})
	if err != nil {
		return nil, err
	}
	if obj != nil {
		obj.Collection = collection
	}
	return obj, nil
}

func (s *HTTPStore) ChangedSince(ctx context.Context, collection string, since time.Time) ([]Object, error) {
	return s.List(ctx, collection, ListFilter{UpdatedSince: since})
}

func (s *HTTPStore) UploadBinary(ctx context.Context, collection, id string, payload map[string]any) error {
	resp, err := s.send(ctx, http.MethodPost, "/api/v1/"+collection+"/"+url.PathEscape(id)+"/binary", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError("upload binary "+collection, resp)
	}
	return nil
}

// send issues an authenticated request. Network-level failures (refused,
// timeout, DNS) come back as TransientError.
func (s *HTTPStore) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &types.TransientError{Op: method + " " + path, Err: err}
	}
	return resp, nil
}

// withReadRetry retries fn on transient failures with exponential backoff.
func (s *HTTPStore) withReadRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.maxAttempts-1), retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && types.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// statusError maps an HTTP error response onto the sync error taxonomy.
func statusError(op string, resp *http.Response) error {
	detail := readDetail(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &types.PermissionError{Op: op, Detail: detail}
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return &types.ValidationError{Field: "request", Message: detail}
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return &types.TransientError{Op: op, Err: fmt.Errorf("remote status %d: %s", resp.StatusCode, detail)}
	}
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, detail)
}

// readDetail extracts the detail field from an RFC 7807 problem body,
// falling back to the raw body.
func readDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var problem struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &problem); err == nil && problem.Detail != "" {
		return problem.Detail
	}
	return string(data)
}

func decode(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
