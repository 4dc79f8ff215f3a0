package rpcconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorushq/chorus/pkg/speech"
)

// Listen runs a streaming recognition session over an established websocket.
// The first text frame carries the streaming config as JSON; audio arrives
// in binary frames and an empty binary frame half-closes the stream.
// Responses go back as JSON text frames.
func (s *Server) Listen(ctx context.Context, conn *websocket.Conn) error {
	if open := s.openCount.Add(1); open > int64(s.cfg.MaxOpenStreams) {
		s.openCount.Add(-1)
		return fmt.Errorf("too many open recognition streams")
	}
	defer s.openCount.Add(-1)
	n := s.streamsTotal.Add(1)

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("listen receive: %w", err)
	}
	if mt != websocket.TextMessage {
		return fmt.Errorf("first frame must be a streaming_config text frame")
	}
	var first speech.StreamingRecognizeRequest
	if err := json.Unmarshal(data, &first); err != nil {
		return fmt.Errorf("listen config: %w", err)
	}
	if first.StreamingConfig == nil {
		return fmt.Errorf("first frame must carry streaming_config")
	}
	if err := validateConfig(first.StreamingConfig.Config); err != nil {
		return err
	}

	failStream := s.cfg.FailNth > 0 && n%uint64(s.cfg.FailNth) == 0
	rec := newRecognizer(*first.StreamingConfig, s.cfg.FinalEvery)

	var chunks int
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("listen receive: %w", err)
		}
		if mt == websocket.TextMessage {
			return fmt.Errorf("streaming_config is only valid in the first frame")
		}
		if len(data) == 0 {
			break
		}
		chunks++
		s.chunksTotal.Add(1)
		if failStream && chunks == 1 {
			s.faultsTotal.Add(1)
			return fmt.Errorf("injected stream failure")
		}
		for _, resp := range rec.Feed(data) {
			if err := s.writeWS(ctx, conn, resp); err != nil {
				return err
			}
		}
	}

	if err := s.writeWS(ctx, conn, rec.Flush()); err != nil {
		return err
	}
	deadline := time.Now().Add(time.Second)
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, resp *speech.StreamingRecognizeResponse) error {
	if resp == nil {
		return nil
	}
	if s.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Delay):
		}
	}
	return conn.WriteJSON(resp)
}
