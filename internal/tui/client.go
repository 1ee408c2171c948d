package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/controlplane"
	"github.com/fentz26/conductor/internal/models"
	"golang.org/x/net/websocket"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Conductor API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

func (c *Client) do(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error: %s", apiErr.Error)
		}
		return fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetSession fetches a session
func (c *Client) GetSession(id string) (*models.Session, error) {
	var s models.Session
	if err := c.do(http.MethodGet, "/sessions/"+url.PathEscape(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListAgents fetches a session's roster
func (c *Client) ListAgents(id string) ([]models.Agent, error) {
	var agents []models.Agent
	err := c.do(http.MethodGet, "/sessions/"+url.PathEscape(id)+"/agents", &agents)
	return agents, err
}

// ListWorkPackages fetches a session's plan
func (c *Client) ListWorkPackages(id string) ([]models.WorkPackage, error) {
	var packages []models.WorkPackage
	err := c.do(http.MethodGet, "/sessions/"+url.PathEscape(id)+"/work-packages", &packages)
	return packages, err
}

// SessionAction posts stop, pause or resume.
func (c *Client) SessionAction(id, action string) (*models.Session, error) {
	var s models.Session
	if err := c.do(http.MethodPost, "/sessions/"+url.PathEscape(id)+"/"+action, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RetryWorkPackage posts a retry for a failed package.
func (c *Client) RetryWorkPackage(id, wpID string) (*models.WorkPackage, error) {
	var wp models.WorkPackage
	path := "/sessions/" + url.PathEscape(id) + "/work-packages/" + url.PathEscape(wpID) + "/retry"
	if err := c.do(http.MethodPost, path, &wp); err != nil {
		return nil, err
	}
	return &wp, nil
}

// Stream is a live feed of one session's events.
type Stream struct {
	Events <-chan models.AgentEvent
	ws     *websocket.Conn
	err    error
	done   chan struct{}
}

// Err returns why the stream ended, once Events is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close ends the stream.
func (s *Stream) Close() error {
	return s.ws.Close()
}

// Subscribe opens the WebSocket and subscribes to events after afterSeq.
// Events closes when the session completes or the connection drops.
func (c *Client) Subscribe(ctx context.Context, sessionID string, afterSeq int64) (*Stream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	origin := u.String()
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	cfg, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return nil, err
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", u, err)
	}
	req := controlplane.WSRequest{Type: "subscribe", SessionID: sessionID, AfterSequence: afterSeq}
	if err := websocket.JSON.Send(ws, req); err != nil {
		ws.Close()
		return nil, err
	}

	events := make(chan models.AgentEvent, 64)
	s := &Stream{Events: events, ws: ws, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(events)
		defer ws.Close()
		for {
			var msg controlplane.WSMessage
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					s.err = err
				}
				return
			}
			switch msg.Type {
			case "agent_event":
				if msg.Event == nil {
					continue
				}
				select {
				case events <- *msg.Event:
				case <-ctx.Done():
					return
				}
				if msg.Event.Type == models.EventSessionComplete {
					return
				}
			case "error":
				s.err = fmt.Errorf("subscribe: %s", msg.Error)
				return
			case "subscription_closed":
				if msg.Error != "" {
					s.err = fmt.Errorf("subscription closed: %s", msg.Error)
				}
				return
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-s.done:
		}
	}()
	return s, nil
}
