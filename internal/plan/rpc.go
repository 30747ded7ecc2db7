package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RPCStore talks to the plan database through its PostgREST RPC endpoints
// push_planning and get_planning.
type RPCStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Store = (*RPCStore)(nil)

// NewRPCStore creates a store for the service at baseURL.
func NewRPCStore(baseURL, apiKey string, timeout time.Duration) *RPCStore {
	return &RPCStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type pushRequest struct {
	UserID  string `json:"user_id"`
	NewPlan *Plan  `json:"new_plan"`
}

type getRequest struct {
	SearchID string `json:"search_id"`
}

// PushPlan stores the user's plan.
func (s *RPCStore) PushPlan(ctx context.Context, userID string, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.call(ctx, "push_planning", pushRequest{UserID: userID, NewPlan: p})
	return err
}

// GetPlan fetches the user's plan. The RPC may answer with the plan object,
// a one-row array or null.
func (s *RPCStore) GetPlan(ctx context.Context, userID string) (*Plan, error) {
	body, err := s.call(ctx, "get_planning", getRequest{SearchID: userID})
	if err != nil {
		return nil, err
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, ErrNotFound
	}
	if body[0] == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, errors.Wrap(err, "decode get_planning rows")
		}
		if len(rows) == 0 || bytes.Equal(bytes.TrimSpace(rows[0]), []byte("null")) {
			return nil, ErrNotFound
		}
		body = rows[0]
	}

	var p Plan
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(err, "decode get_planning result")
	}
	return &p, nil
}

func (s *RPCStore) call(ctx context.Context, fn string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", fn)
	}

	url := fmt.Sprintf("%s/rest/v1/rpc/%s", s.baseURL, fn)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", fn)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, fn, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrUnavailable, fn, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// PostgREST answers 404 when the RPC function is missing.
		return nil, fmt.Errorf("%w: %s not found on plan service", ErrUnavailable, fn)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, fn, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s returned %d: %s", fn, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
