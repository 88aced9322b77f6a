package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/runqueue"
)

type client struct {
	base   string
	apiKey string
	http   *http.Client
}

type ClientOption func(*client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *client) { c.http = h }
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *client) { c.apiKey = key }
}

// NewClient returns a runqueue.Client talking to the server at baseURL.
//
// Transport failures are reported as CommError.
func NewClient(baseURL string, opts ...ClientOption) runqueue.Client {
	c := &client{base: strings.TrimSuffix(baseURL, "/"), http: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	return c
}

func seg(s string) string {
	return url.PathEscape(s)
}

// do sends a request and decodes the response into out (when not nil).
//
// It returns http status code as well.
func (c *client) do(ctx context.Context, op string, method string, path string, in any, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, xe.Wrap(err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, xe.Wrap(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, xe.NewCommError(op, err)
	}
	defer resp.Body.Close()

	if 400 <= resp.StatusCode {
		eb := errorBody{}
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &eb)
		switch eb.Code {
		case codeNotFound:
			return resp.StatusCode, runqueue.ErrNotFound
		case codeConflict:
			return resp.StatusCode, runqueue.ErrConflict
		case codeLeaseLost:
			return resp.StatusCode, runqueue.ErrLeaseLost
		}
		return resp.StatusCode, xe.NewCommError(
			op, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, xe.NewCommError(op, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) Features(ctx context.Context) (runqueue.Features, error) {
	f := runqueue.Features{}
	if code, err := c.do(ctx, "features", http.MethodGet, "/features", nil, &f); err != nil {
		if code == http.StatusNotFound {
			// servers before feature introspection
			return runqueue.Features{}, nil
		}
		return f, err
	}
	return f, nil
}

func (c *client) CreateRunQueue(ctx context.Context, q runqueue.Queue) (*runqueue.Queue, error) {
	ret := runqueue.Queue{}
	if _, err := c.do(ctx, "create_run_queue", http.MethodPost, "/api/queues", q, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *client) GetRunQueue(ctx context.Context, entity string, name string) (*runqueue.Queue, error) {
	ret := runqueue.Queue{}
	path := fmt.Sprintf("/api/entities/%s/queues/%s", seg(entity), seg(name))
	if _, err := c.do(ctx, "get_run_queue", http.MethodGet, path, nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *client) PushToRunQueue(ctx context.Context, queueID string, spec map[string]any) (*runqueue.Item, error) {
	ret := runqueue.Item{}
	path := fmt.Sprintf("/api/queues/%s/items", seg(queueID))
	if _, err := c.do(ctx, "push_to_run_queue", http.MethodPost, path, pushRequest{RunSpec: spec}, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *client) PushToRunQueueByName(ctx context.Context, entity string, project string, queue string, spec map[string]any) (*runqueue.Item, error) {
	ret := runqueue.Item{}
	path := fmt.Sprintf("/api/entities/%s/projects/%s/queues/%s/items", seg(entity), seg(project), seg(queue))
	if _, err := c.do(ctx, "push_to_run_queue_by_name", http.MethodPost, path, pushRequest{RunSpec: spec}, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *client) PopFromRunQueue(ctx context.Context, entity string, project string, queue string, agentID string) (*runqueue.Item, error) {
	ret := runqueue.Item{}
	path := fmt.Sprintf("/api/entities/%s/projects/%s/queues/%s/pop", seg(entity), seg(project), seg(queue))
	code, err := c.do(ctx, "pop_from_run_queue", http.MethodPost, path, popRequest{AgentID: agentID}, &ret)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent {
		return nil, runqueue.ErrEmpty
	}
	return &ret, nil
}

func (c *client) AckRunQueueItem(ctx context.Context, itemID string, lease string, runID string) error {
	path := fmt.Sprintf("/api/items/%s/ack", seg(itemID))
	_, err := c.do(ctx, "ack_run_queue_item", http.MethodPost, path, ackRequest{Lease: lease, RunID: runID}, nil)
	return err
}

func (c *client) FailRunQueueItem(ctx context.Context, itemID string, message string, phase string) error {
	path := fmt.Sprintf("/api/items/%s/fail", seg(itemID))
	_, err := c.do(ctx, "fail_run_queue_item", http.MethodPost, path, warningRequest{Message: message, Phase: phase}, nil)
	return err
}

func (c *client) UpdateRunQueueItemWarning(ctx context.Context, itemID string, message string, phase string) error {
	path := fmt.Sprintf("/api/items/%s/warnings", seg(itemID))
	_, err := c.do(ctx, "update_run_queue_item_warning", http.MethodPost, path, warningRequest{Message: message, Phase: phase}, nil)
	return err
}

func (c *client) GetRunQueueItem(ctx context.Context, itemID string) (*runqueue.Item, error) {
	ret := runqueue.Item{}
	if _, err := c.do(ctx, "get_run_queue_item", http.MethodGet, "/api/items/"+seg(itemID), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func runPath(entity, project, runID, leaf string) string {
	return fmt.Sprintf("/api/entities/%s/projects/%s/runs/%s/%s", seg(entity), seg(project), seg(runID), leaf)
}

func (c *client) SetRunState(ctx context.Context, entity string, project string, runID string, state runqueue.RunState) error {
	_, err := c.do(ctx, "set_run_state", http.MethodPut, runPath(entity, project, runID, "state"), runStateBody{State: state}, nil)
	return err
}

func (c *client) GetRunState(ctx context.Context, entity string, project string, runID string) (runqueue.RunState, error) {
	ret := runStateBody{}
	if _, err := c.do(ctx, "get_run_state", http.MethodGet, runPath(entity, project, runID, "state"), nil, &ret); err != nil {
		return "", err
	}
	return ret.State, nil
}

func (c *client) StopRun(ctx context.Context, entity string, project string, runID string) error {
	_, err := c.do(ctx, "stop_run", http.MethodPut, runPath(entity, project, runID, "stop"), nil, nil)
	return err
}

func (c *client) CheckStopRequested(ctx context.Context, entity string, project string, runID string) (bool, error) {
	ret := stopBody{}
	if _, err := c.do(ctx, "check_stop_requested", http.MethodGet, runPath(entity, project, runID, "stop"), nil, &ret); err != nil {
		return false, err
	}
	return ret.StopRequested, nil
}

func (c *client) CreateLaunchAgent(ctx context.Context, a runqueue.Agent) (*runqueue.Agent, error) {
	ret := runqueue.Agent{}
	if _, err := c.do(ctx, "create_launch_agent", http.MethodPost, "/api/agents", a, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *client) UpdateLaunchAgentStatus(ctx context.Context, agentID string, status runqueue.AgentStatus) error {
	path := fmt.Sprintf("/api/agents/%s/status", seg(agentID))
	_, err := c.do(ctx, "update_launch_agent_status", http.MethodPut, path, agentStatusBody{Status: status}, nil)
	return err
}
