package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Transport is one physical duplex channel carrying text frames.
// A connection owns at most one transport at a time and replaces it
// wholesale on reconnect.
type Transport interface {
	// blocks until a text frame arrives or the transport fails.
	// returns an error when the transport is closed, locally or by
	// the peer.
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// TransportDialer opens a new transport for an experiment stream.
// A dial error is handled the same as an immediate unexpected close.
type TransportDialer func(ctx context.Context, experimentId string) (Transport, error)

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// 0 disables the read deadline. The platform does not require
	// server pings, so the default leaves reads unbounded.
	ReadTimeout time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

type wsTransport struct {
	ws       *websocket.Conn
	settings *WsTransportSettings
}

// NewWsDialer dials `{platformUrl}/api/ws/experiments/{experimentId}`.
// platformUrl is the scheme and host, e.g. wss://parley.example.com
func NewWsDialer(platformUrl string, auth *ClientAuth, settings *WsTransportSettings) TransportDialer {
	return func(ctx context.Context, experimentId string) (Transport, error) {
		socketUrl, err := url.JoinPath(platformUrl, "api", "ws", "experiments", experimentId)
		if err != nil {
			return nil, err
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		}
		header := http.Header{}
		if auth != nil && auth.ByJwt != "" {
			header.Set("Authorization", fmt.Sprintf("Bearer %s", auth.ByJwt))
		}

		ws, _, err := dialer.DialContext(ctx, socketUrl, header)
		if err != nil {
			return nil, err
		}
		return &wsTransport{
			ws:       ws,
			settings: settings,
		}, nil
	}
}

func (self *wsTransport) ReadFrame() ([]byte, error) {
	for {
		if 0 < self.settings.ReadTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage:
			return message, nil
		default:
			glog.V(2).Infof("[t]drop non-text frame type=%d\n", messageType)
		}
	}
}

func (self *wsTransport) WriteFrame(frame []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, frame)
}

func (self *wsTransport) Close() error {
	return self.ws.Close()
}

// a close with the normal code is a designed end of stream, not a failure
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
