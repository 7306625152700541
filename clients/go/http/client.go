// Package http provides an HTTP client for the fieldlock policy service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	fieldlock "github.com/fieldlock/fieldlock/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the fieldlock server, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements fieldlock.RuleManager, fieldlock.Decider,
// fieldlock.Enforcer, fieldlock.SchemaManager, and fieldlock.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the fieldlock service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fieldlock: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("fieldlock: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("fieldlock: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fieldlock: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func decodeInto(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("fieldlock: decode response: %w", err)
	}
	return nil
}

// -- RuleManager -------------------------------------------------------------

func (c *Client) CreateRule(ctx context.Context, rule fieldlock.Rule) (fieldlock.Rule, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/rules", rule)
	if err != nil {
		return fieldlock.Rule{}, err
	}
	var created fieldlock.Rule
	if err := decodeInto(resp, &created); err != nil {
		return fieldlock.Rule{}, err
	}
	return created, nil
}

func (c *Client) GetRule(ctx context.Context, id uuid.UUID) (fieldlock.Rule, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/rules/"+id.String(), nil)
	if err != nil {
		return fieldlock.Rule{}, err
	}
	var rule fieldlock.Rule
	if err := decodeInto(resp, &rule); err != nil {
		return fieldlock.Rule{}, err
	}
	return rule, nil
}

func (c *Client) ListRules(ctx context.Context, entity string) ([]fieldlock.Rule, error) {
	path := "/v1/rules"
	if entity != "" {
		path += "?entity=" + url.QueryEscape(entity)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var rules []fieldlock.Rule
	if err := decodeInto(resp, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (c *Client) UpdateRule(ctx context.Context, rule fieldlock.Rule) (fieldlock.Rule, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/rules/"+rule.ID.String(), rule)
	if err != nil {
		return fieldlock.Rule{}, err
	}
	var updated fieldlock.Rule
	if err := decodeInto(resp, &updated); err != nil {
		return fieldlock.Rule{}, err
	}
	return updated, nil
}

func (c *Client) DeleteRule(ctx context.Context, id uuid.UUID) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/rules/"+id.String(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Decider -----------------------------------------------------------------

func (c *Client) Decide(ctx context.Context, req fieldlock.DecideRequest) ([]fieldlock.Decision, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/decisions", req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []fieldlock.Decision `json:"results"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) GovernedAttributes(ctx context.Context, entity string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(entity)+"/governed", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Entity     string   `json:"entity"`
		Attributes []string `json:"attributes"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	return out.Attributes, nil
}

// -- Enforcer ----------------------------------------------------------------

func (c *Client) EnforceWrite(ctx context.Context, req fieldlock.EnforceRequest) (fieldlock.Enforcement, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/enforce", req)
	if err != nil {
		return fieldlock.Enforcement{}, err
	}
	var out fieldlock.Enforcement
	if err := decodeInto(resp, &out); err != nil {
		return fieldlock.Enforcement{}, err
	}
	return out, nil
}

// -- SchemaManager -----------------------------------------------------------

func (c *Client) UpsertSchemaAttribute(ctx context.Context, attr fieldlock.SchemaAttribute) (fieldlock.SchemaAttribute, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/schema", attr)
	if err != nil {
		return fieldlock.SchemaAttribute{}, err
	}
	var stored fieldlock.SchemaAttribute
	if err := decodeInto(resp, &stored); err != nil {
		return fieldlock.SchemaAttribute{}, err
	}
	return stored, nil
}

func (c *Client) GetSchemaAttribute(ctx context.Context, entity, attribute string) (fieldlock.SchemaAttribute, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/schema/"+url.PathEscape(entity)+"/"+url.PathEscape(attribute), nil)
	if err != nil {
		return fieldlock.SchemaAttribute{}, err
	}
	var attr fieldlock.SchemaAttribute
	if err := decodeInto(resp, &attr); err != nil {
		return fieldlock.SchemaAttribute{}, err
	}
	return attr, nil
}

func (c *Client) ListSchemaAttributes(ctx context.Context, entity string) ([]fieldlock.SchemaAttribute, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/schema/"+url.PathEscape(entity), nil)
	if err != nil {
		return nil, err
	}
	var attrs []fieldlock.SchemaAttribute
	if err := decodeInto(resp, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (c *Client) DeleteSchemaAttribute(ctx context.Context, entity, attribute string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/schema/"+url.PathEscape(entity)+"/"+url.PathEscape(attribute), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits RuleEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64, entity string) (<-chan fieldlock.RuleEvent, error) {
	path := "/v1/stream"
	if entity != "" {
		path += "?entity=" + url.QueryEscape(entity)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("fieldlock: create stream request: %w", err)
	}
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fieldlock: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan fieldlock.RuleEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed RuleEvents to ch.
// It implements the subset of the SSE spec used by the fieldlock server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- fieldlock.RuleEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := fieldlock.RuleEvent{Type: eventType, EventID: eventID}
				if eventType == "update" || eventType == "delete" {
					var rule fieldlock.Rule
					if jsonErr := json.Unmarshal([]byte(data), &rule); jsonErr == nil {
						ev.Rule = &rule
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
