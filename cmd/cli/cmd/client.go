package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mopplane/pkg/api"
	"mopplane/pkg/mop"

	"github.com/gorilla/websocket"
)

// Client handles API calls to the mopplane controller.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
// An empty token sends no Authorization header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	var envelope api.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return &APIError{StatusCode: status, Message: envelope.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// do sends a request and decodes the response into out when out is not nil.
func (c *Client) do(method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return newAPIError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = respBody
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Submit sends POST /assessments.
func (c *Client) Submit(req api.SubmitRequest) (*api.SubmitResponse, error) {
	var result api.SubmitResponse
	if err := c.do(http.MethodPost, "/assessments", req, http.StatusAccepted, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status sends GET /assessments/{id}.
func (c *Client) Status(id string) (*api.StatusResponse, error) {
	var result api.StatusResponse
	if err := c.do(http.MethodGet, "/assessments/"+url.PathEscape(id), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// List sends GET /assessments.
func (c *Client) List() ([]api.StatusResponse, error) {
	var result api.ListResponse
	if err := c.do(http.MethodGet, "/assessments", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Assessments, nil
}

// Result sends GET /assessments/{id}/result.
func (c *Client) Result(id string) (*mop.AssessmentResult, error) {
	var result mop.AssessmentResult
	if err := c.do(http.MethodGet, "/assessments/"+url.PathEscape(id)+"/result", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Report sends GET /assessments/{id}/report and returns the raw document.
func (c *Client) Report(id, format string) ([]byte, error) {
	var body []byte
	path := fmt.Sprintf("/assessments/%s/report?format=%s", url.PathEscape(id), url.QueryEscape(format))
	if err := c.do(http.MethodGet, path, nil, http.StatusOK, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// Cancel sends POST /assessments/{id}/cancel.
func (c *Client) Cancel(id string) (*api.StatusResponse, error) {
	var result api.StatusResponse
	if err := c.do(http.MethodPost, "/assessments/"+url.PathEscape(id)+"/cancel", nil, http.StatusAccepted, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete sends DELETE /assessments/{id}.
func (c *Client) Delete(id string) error {
	return c.do(http.MethodDelete, "/assessments/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// Watch streams status updates over the websocket endpoint until the server
// closes the stream or ctx is done. fn is called for every update.
func (c *Client) Watch(ctx context.Context, id string, fn func(api.StatusResponse)) error {
	wsURL, err := url.Parse(c.BaseURL + "/assessments/" + url.PathEscape(id) + "/watch")
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return newAPIError(resp.StatusCode, body)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var update api.StatusResponse
		if err := conn.ReadJSON(&update); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch interrupted: %w", err)
		}
		fn(update)
	}
}
