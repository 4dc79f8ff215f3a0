package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HTTP paths served by the websocket carrier. The streaming endpoint speaks
// JSON text frames for config and results and binary frames for audio; an
// empty binary frame marks the end of audio.
const (
	WebsocketListenPath = "/v1/listen"
	HTTPRecognizePath   = "/v1/recognize"
)

func (c *Client) dialWebsocket(ctx context.Context) (RecognitionStream, error) {
	u := websocketURL(c.baseURL) + WebsocketListenPath
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := *websocket.DefaultDialer
	if c.tlsConfig != nil {
		dialer.TLSClientConfig = c.tlsConfig
	}
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}
	return &wsStream{conn: conn}, nil
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}

type wsStream struct {
	conn *websocket.Conn

	mu         sync.Mutex
	sendClosed bool
}

func (s *wsStream) Send(req *StreamingRecognizeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return io.ErrClosedPipe
	}
	if req.StreamingConfig != nil {
		return s.conn.WriteJSON(req)
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, req.AudioContent)
}

func (s *wsStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.conn.WriteMessage(websocket.BinaryMessage, nil)
}

func (s *wsStream) Receive() (*StreamingRecognizeResponse, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var resp StreamingRecognizeResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode streaming response: %w", err)
		}
		return &resp, nil
	}
}

func (s *wsStream) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

// recognizeHTTP is the unary path for websocket-carrier clients: a plain
// JSON POST instead of a Connect call.
func (c *Client) recognizeHTTP(ctx context.Context, req *RecognizeRequest) (*RecognizeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode recognize request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+HTTPRecognizePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("recognize: %s: %s", httpResp.Status, strings.TrimSpace(string(b)))
	}
	var resp RecognizeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode recognize response: %w", err)
	}
	return &resp, nil
}
