package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/backend"
)

const singleObject = "application/vnd.pgrst.object+json"

type request struct {
	method string
	table  string
	query  url.Values
	body   any
	// single asks for exactly one row; zero or many rows is an error
	single bool
	// represent asks the service to echo written rows
	represent bool
}

type apiError struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Details          string `json:"details"`
	Hint             string `json:"hint"`
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
}

func (a apiError) text() string {
	switch {
	case a.Message != "":
		return a.Message
	case a.Msg != "":
		return a.Msg
	default:
		return a.ErrorDescription
	}
}

// rest runs a row API call through the circuit breaker and decodes the body into out
// when out is non-nil.
func (c *Client) rest(ctx context.Context, op string, req request, out any) error {
	endpoint := c.restURL.JoinPath(req.table)
	endpoint.RawQuery = req.query.Encode()

	header := http.Header{}
	if req.single {
		header.Set("Accept", singleObject)
	} else {
		header.Set("Accept", "application/json")
	}
	if req.represent {
		header.Set("Prefer", "return=representation")
	} else if req.method != http.MethodGet {
		header.Set("Prefer", "return=minimal")
	}

	return c.call(ctx, op, req.method, endpoint, header, req.body, out)
}

func (c *Client) call(ctx context.Context, op, method string, endpoint *url.URL, header http.Header, body any, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, method, endpoint, header, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.log.Warn("request rejected by circuit breaker", zap.String("op", op))
		return &backend.Error{Op: op, Status: http.StatusServiceUnavailable, Message: "service temporarily unavailable", Err: err}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method string, endpoint *url.URL, header http.Header, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.cfg.AnonKey)
	token := c.AccessToken()
	if token == "" {
		token = c.cfg.AnonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(op, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func decodeError(op string, status int, data []byte) error {
	var payload apiError
	_ = json.Unmarshal(data, &payload)

	e := &backend.Error{Op: op, Status: status, Code: payload.Code, Message: payload.text()}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || payload.Code == "PGRST301":
		e.Err = backend.ErrUnauthenticated
	case status == http.StatusNotFound || payload.Code == "PGRST116":
		e.Err = backend.ErrNotFound
	case status == http.StatusConflict && payload.Code != "23503", payload.Code == "23505":
		e.Err = backend.ErrConflict
	}
	return e
}

func eq(v string) string {
	return "eq." + v
}
