package sts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Engine.IO v4 packet types, transmitted as the first byte of each frame.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO v5 packet types, the second byte of message frames.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

// handshake is the Engine.IO open payload.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"` // ms
	PingTimeout  int64  `json:"pingTimeout"`  // ms
}

// socketConn is a minimal Socket.IO v5 client connection over a WebSocket
// transport, covering the subset the processing service speaks: namespace
// connect, event emit and receive, and Engine.IO ping/pong keepalive.
type socketConn struct {
	ws        *websocket.Conn
	namespace string
	sid       string
	pingWait  time.Duration
	logger    *slog.Logger

	writeMu sync.Mutex
}

// event is one received Socket.IO event.
type event struct {
	Name string
	Data json.RawMessage
}

// dialSocketIO establishes a WebSocket transport, completes the Engine.IO
// handshake and connects the namespace. credentials, when set, travel both
// as an Authorization header and in the namespace auth payload.
func dialSocketIO(ctx context.Context, rawURL, path, namespace, credentials string, logger *slog.Logger) (*socketConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing service url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = path
	u.RawQuery = "EIO=4&transport=websocket"

	header := http.Header{}
	if credentials != "" {
		header.Set("Authorization", "Bearer "+credentials)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &socketConn{
		ws:        ws,
		namespace: normalizeNamespace(namespace),
		pingWait:  45 * time.Second,
		logger:    logger.With(slog.String("component", "socketio")),
	}

	if err := c.connect(credentials); err != nil {
		ws.Close()
		return nil, err
	}
	return c, nil
}

func normalizeNamespace(nsp string) string {
	if nsp == "" || nsp == "/" {
		return "/"
	}
	if !strings.HasPrefix(nsp, "/") {
		return "/" + nsp
	}
	return nsp
}

// nspPrefix renders the namespace part of a Socket.IO packet. The default
// namespace is implicit on the wire.
func (c *socketConn) nspPrefix() string {
	if c.namespace == "/" {
		return ""
	}
	return c.namespace + ","
}

// connect consumes the Engine.IO open packet and connects the namespace.
func (c *socketConn) connect(credentials string) error {
	frame, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("reading open packet: %w", err)
	}
	if len(frame) == 0 || frame[0] != eioOpen {
		return fmt.Errorf("expected open packet, got %q", frame)
	}
	var hs handshake
	if err := json.Unmarshal([]byte(frame[1:]), &hs); err != nil {
		return fmt.Errorf("parsing open packet: %w", err)
	}
	c.sid = hs.SID
	if hs.PingInterval > 0 && hs.PingTimeout > 0 {
		c.pingWait = time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	}

	connect := string(eioMessage) + string(sioConnect) + c.nspPrefix()
	if credentials != "" {
		auth, _ := json.Marshal(map[string]string{"token": credentials})
		connect += string(auth)
	}
	if err := c.writeFrame(connect); err != nil {
		return fmt.Errorf("sending namespace connect: %w", err)
	}

	// The connect ack may be preceded by a ping.
	for {
		frame, err := c.readFrame()
		if err != nil {
			return fmt.Errorf("reading connect ack: %w", err)
		}
		switch {
		case len(frame) >= 2 && frame[0] == eioMessage && frame[1] == sioConnect:
			return nil
		case len(frame) >= 2 && frame[0] == eioMessage && frame[1] == sioConnectError:
			return fmt.Errorf("namespace connect refused: %s", frame[2:])
		case len(frame) >= 1 && frame[0] == eioPing:
			if err := c.writeFrame(string(eioPong)); err != nil {
				return err
			}
		default:
			// Unexpected but harmless during connect.
		}
	}
}

// Emit sends one event with a JSON payload.
func (c *socketConn) Emit(name string, payload any) error {
	arr, err := json.Marshal([]any{name, payload})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	frame := string(eioMessage) + string(sioEvent) + c.nspPrefix() + string(arr)
	return c.writeFrame(frame)
}

// NextEvent blocks until an event arrives on the connected namespace.
// Keepalive pings are answered transparently. A server disconnect or
// transport error ends the read loop with an error.
func (c *socketConn) NextEvent() (*event, error) {
	for {
		frame, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}
		switch frame[0] {
		case eioPing:
			if err := c.writeFrame(string(eioPong)); err != nil {
				return nil, err
			}
		case eioClose:
			return nil, fmt.Errorf("transport closed by server")
		case eioMessage:
			ev, disconnect, err := c.parseMessage(frame[1:])
			if err != nil {
				return nil, err
			}
			if disconnect {
				return nil, fmt.Errorf("namespace disconnected by server")
			}
			if ev != nil {
				return ev, nil
			}
		default:
			// Ignore pongs and upgrade chatter.
		}
	}
}

// parseMessage decodes the Socket.IO layer of a message frame. Events for
// other namespaces and ack packets are skipped.
func (c *socketConn) parseMessage(body string) (*event, bool, error) {
	if len(body) == 0 {
		return nil, false, nil
	}
	typ := body[0]
	rest := body[1:]

	nsp := "/"
	if strings.HasPrefix(rest, "/") {
		comma := strings.Index(rest, ",")
		if comma < 0 {
			nsp = rest
			rest = ""
		} else {
			nsp = rest[:comma]
			rest = rest[comma+1:]
		}
	}

	switch typ {
	case sioDisconnect:
		return nil, nsp == c.namespace, nil
	case sioEvent:
		if nsp != c.namespace {
			return nil, false, nil
		}
		// Skip an optional ack id before the JSON array.
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(rest[i:]), &arr); err != nil {
			return nil, false, fmt.Errorf("parsing event packet: %w", err)
		}
		if len(arr) == 0 {
			return nil, false, fmt.Errorf("empty event packet")
		}
		var name string
		if err := json.Unmarshal(arr[0], &name); err != nil {
			return nil, false, fmt.Errorf("parsing event name: %w", err)
		}
		ev := &event{Name: name}
		if len(arr) > 1 {
			ev.Data = arr[1]
		}
		return ev, false, nil
	default:
		return nil, false, nil
	}
}

func (c *socketConn) readFrame() (string, error) {
	c.ws.SetReadDeadline(time.Now().Add(c.pingWait))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *socketConn) writeFrame(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Close sends a namespace disconnect and tears down the transport.
func (c *socketConn) Close() error {
	_ = c.writeFrame(string(eioMessage) + string(sioDisconnect) + strings.TrimSuffix(c.nspPrefix(), ","))
	return c.ws.Close()
}
