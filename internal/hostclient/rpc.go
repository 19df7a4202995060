// Package hostclient wraps an authenticated JSON-RPC websocket to the
// streaming host (e.g. OBS), providing reconnect backoff, an optional
// host-process launch, a stream-drop restart sub-FSM, and a stream
// health monitor loop.
//
// The RPC socket itself reuses gorilla/websocket as a client this
// time, grounded on the teacher's ws_hub.go read/write-pump split —
// adapted here to a single outstanding-request table instead of a
// client registry, since each outbound call must be correlated with
// its response by request ID.
package hostclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const rpcTimeout = 10 * time.Second

// rpcRequest is the outbound envelope for a host RPC call.
type rpcRequest struct {
	RequestID   string          `json:"requestId"`
	RequestType string          `json:"requestType"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

// rpcResponse is the inbound envelope for a host RPC reply.
type rpcResponse struct {
	RequestID   string          `json:"requestId"`
	RequestType string          `json:"requestType"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
}

// rpcEvent is an unsolicited inbound event, e.g. StreamStateChanged.
type rpcEvent struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// inbound discriminates an incoming frame as either a response or an event.
type inbound struct {
	RequestID string          `json:"requestId"`
	EventType string          `json:"eventType"`
	raw       json.RawMessage
}

type pendingCall struct {
	reply chan rpcResponse
}

// socket owns one live RPC connection: a write goroutine draining an
// outbound queue, and a read goroutine dispatching responses to
// pending calls and events to the owner's event handler.
type socket struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingCall
	nextID  int64
	closed  bool

	onEvent func(eventType string, data json.RawMessage)
	done    chan struct{}
}

func dial(ctx context.Context, url, password string, logger *slog.Logger, onEvent func(string, json.RawMessage)) (*socket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial host: %w", err)
	}

	s := &socket{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]pendingCall),
		onEvent: onEvent,
		done:    make(chan struct{}),
	}

	go s.readLoop()

	if password != "" {
		// Authentication handshake is host-specific; the supervisor
		// treats it as part of the connect call and surfaces any
		// failure as a connect error rather than a distinct step.
		if err := s.authenticate(ctx, password); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *socket) authenticate(ctx context.Context, password string) error {
	data, _ := json.Marshal(map[string]string{"password": password})
	_, err := s.call(ctx, "Authenticate", data)
	return err
}

func (s *socket) readLoop() {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.failAllPending(err)
			return
		}
		s.dispatch(raw)
	}
}

func (s *socket) dispatch(raw []byte) {
	var probe inbound
	if err := json.Unmarshal(raw, &probe); err != nil {
		s.logger.Warn("hostclient: malformed frame", slog.String("error", err.Error()))
		return
	}

	if probe.RequestID != "" {
		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.logger.Warn("hostclient: malformed response", slog.String("error", err.Error()))
			return
		}
		s.mu.Lock()
		call, ok := s.pending[resp.RequestID]
		if ok {
			delete(s.pending, resp.RequestID)
		}
		s.mu.Unlock()
		if ok {
			call.reply <- resp
		}
		return
	}

	if probe.EventType != "" {
		var ev rpcEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warn("hostclient: malformed event", slog.String("error", err.Error()))
			return
		}
		if s.onEvent != nil {
			s.onEvent(ev.EventType, ev.EventData)
		}
	}
}

func (s *socket) failAllPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, call := range s.pending {
		delete(s.pending, id)
		call.reply <- rpcResponse{Error: err.Error()}
	}
}

// call issues one RPC request and blocks (up to rpcTimeout, or ctx's
// deadline if sooner) for the matching response.
func (s *socket) call(ctx context.Context, requestType string, data json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("hostclient: socket closed")
	}
	s.nextID++
	id := fmt.Sprintf("%d", s.nextID)
	reply := make(chan rpcResponse, 1)
	s.pending[id] = pendingCall{reply: reply}
	s.mu.Unlock()

	req := rpcRequest{RequestID: id, RequestType: requestType, RequestData: data}
	payload, err := json.Marshal(req)
	if err != nil {
		s.dropPending(id)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	_ = s.conn.SetWriteDeadline(time.Now().Add(rpcTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-reply:
		if !resp.Success {
			if resp.Error != "" {
				return nil, fmt.Errorf("host rpc %s: %s", requestType, resp.Error)
			}
			return nil, fmt.Errorf("host rpc %s: failed with no error detail", requestType)
		}
		return resp.ResponseData, nil
	case <-callCtx.Done():
		s.dropPending(id)
		return nil, callCtx.Err()
	}
}

func (s *socket) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *socket) close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	_ = s.conn.Close()
}
