package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	sse "github.com/tmaxmax/go-sse"
)

const (
	streamPath   = "/stream"
	maxEventSize = 256 << 10
)

// ErrUnexpectedStatus indicates the stream endpoint refused the connection.
var ErrUnexpectedStatus = errors.New("realtime: unexpected stream status")

// SSEDialer connects to the server-sent events endpoint of the service.
type SSEDialer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Dial opens the stream for a topic.
func (dialer SSEDialer) Dial(ctx context.Context, topic string) (Stream, error) {
	endpoint, err := url.Parse(strings.TrimRight(dialer.BaseURL, "/") + streamPath)
	if err != nil {
		return nil, err
	}
	query := endpoint.Query()
	query.Set("topic", topic)
	endpoint.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")

	client := dialer.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, response.StatusCode)
	}
	next, stop := iter.Pull2(sse.Read(response.Body, &sse.ReadConfig{MaxEventSize: maxEventSize}))
	return &sseStream{body: response.Body, next: next, stop: stop}, nil
}

type sseStream struct {
	body io.ReadCloser
	next func() (sse.Event, error, bool)
	stop func()
}

// Next blocks until a complete event arrives. Heartbeats are returned as
// EventHeartbeat so callers can observe liveness.
func (stream *sseStream) Next(ctx context.Context) (UpdateEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return UpdateEvent{}, err
		}
		frame, err, ok := stream.next()
		if !ok {
			return UpdateEvent{}, io.EOF
		}
		if err != nil {
			return UpdateEvent{}, err
		}
		if frame.Type == "" && frame.Data == "" {
			continue
		}
		return decodeFrame(frame.Type, frame.Data)
	}
}

func (stream *sseStream) Close() error {
	err := stream.body.Close()
	stream.stop()
	return err
}

func decodeFrame(eventName, data string) (UpdateEvent, error) {
	if EventType(eventName) == EventHeartbeat {
		return UpdateEvent{Type: EventHeartbeat}, nil
	}
	var event UpdateEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return UpdateEvent{}, fmt.Errorf("realtime: decode %q frame: %w", eventName, err)
	}
	if event.Type == "" {
		event.Type = EventType(eventName)
	}
	return event, nil
}
