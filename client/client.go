// Package client sends payloads to a datareceiver server
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/carlmjohnson/requests"
)

const storePath = "/api/v1/store"

type Client struct {
	BaseURL string
	// if nil, http.DefaultClient is used
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
	}
}

// Error is returned when the server didn't respond with 201
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("datareceiver: status %d", e.StatusCode)
	}
	return fmt.Sprintf("datareceiver: status %d: %s", e.StatusCode, e.Message)
}

type storeResponse struct {
	Status  string `json:"status"`
	EntryID string `json:"entry_id"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Store sends payload, which is marshalled to JSON unless it's
// already []byte or json.RawMessage, and returns id of the new entry
func (c *Client) Store(ctx context.Context, payload any) (string, error) {
	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	case json.RawMessage:
		body = v
	default:
		d, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		body = d
	}

	var res storeResponse
	var errRes errorResponse
	statusCode := 0
	err := requests.
		URL(c.BaseURL).
		Path(storePath).
		Client(c.httpClient()).
		Method(http.MethodPost).
		BodyBytes(body).
		ContentType("application/json").
		AddValidator(func(resp *http.Response) error {
			statusCode = resp.StatusCode
			return nil
		}).
		AddValidator(requests.ValidatorHandler(
			requests.CheckStatus(http.StatusCreated),
			requests.ToJSON(&errRes),
		)).
		ToJSON(&res).
		Fetch(ctx)
	if err != nil {
		if statusCode != 0 && statusCode != http.StatusCreated {
			return "", &Error{StatusCode: statusCode, Message: errRes.Message}
		}
		return "", err
	}
	if res.EntryID == "" {
		return "", fmt.Errorf("datareceiver: response without entry_id")
	}
	return res.EntryID, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
