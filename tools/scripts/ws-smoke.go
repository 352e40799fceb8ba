// Package main provides a CI-friendly WebSocket smoke test for the collab relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - connected greeting
//   - join_note -> join_success
//   - edit_note fanout as note_updated to another member (optionally on a second instance)
//   - no echo to the editor
//   - NOT_IN_ROOM for an edit without a join
//   - leave_note -> leave_success
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "collab/shared/contracts/collab/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "collab.v1"
	maxReadBytes       = 4 << 20
)

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:3001/ws", "WebSocket URL")
		peerURL = flag.String("peer-url", "", "WebSocket URL of a second instance for client B (defaults to -url)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		room    = flag.String("room", "smoke-doc-1", "Room key to join")
		content = flag.String("content", "hello collab", "Edit content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*peerURL) == "" {
		*peerURL = *wsURL
	}
	for _, raw := range []string{*wsURL, *peerURL} {
		if err := validateWSURL(raw); err != nil {
			fatalf("invalid url %q: %v", raw, err)
		}
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *peerURL, *origin, *timeout)
	defer closeWS(b.conn)

	c := mustConnect(root, "C", *wsURL, *origin, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s C=%s origin=%q\n", a.connectionID, b.connectionID, c.connectionID, *origin)
	}

	mustJoin(root, a, *room, *timeout)
	mustJoin(root, b, *room, *timeout)

	mustSend(root, a, v1.TypeEditNote, v1.EditNotePayload{RoomKey: *room, Content: *content}, *timeout)
	mustAssertUpdate(root, b, *room, *content, a.connectionID, *timeout)
	mustAssertNoType(root, a, v1.TypeNoteUpdated, 750*time.Millisecond)

	mustSend(root, c, v1.TypeEditNote, v1.EditNotePayload{RoomKey: *room, Content: "intruder"}, *timeout)
	mustAssertErrorCode(root, c, v1.CodeNotInRoom, *timeout)
	mustAssertNoType(root, b, v1.TypeNoteUpdated, 750*time.Millisecond)

	mustSend(root, b, v1.TypeLeaveNote, v1.LeaveNotePayload{RoomKey: *room}, *timeout)
	b.mustReadUntilType(root, v1.TypeLeaveSuccess, *timeout)

	fmt.Printf("OK: A=%s B=%s room=%s\n", a.connectionID, b.connectionID, *room)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != "" && got != defaultSubprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, defaultSubprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout)

	var p v1.ConnectedPayload
	if err := json.Unmarshal(hello.Payload, &p); err != nil {
		fatalf("unmarshal connected payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("connected missing connectionId (%s)", name)
	}
	c.connectionID = p.ConnectionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.report(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.report(fmt.Errorf("bad json: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.report(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) report(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) {
	mustSend(parent, c, v1.TypeJoinNote, v1.JoinNotePayload{RoomKey: room}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeJoinSuccess, stepTimeout)

	var p v1.JoinSuccessPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal join_success payload (%s): %v", c.name, err)
	}
	if p.RoomKey != room {
		fatalf("join_success roomKey mismatch (%s): got=%q want=%q", c.name, p.RoomKey, room)
	}
}

func mustAssertUpdate(parent context.Context, c *smokeClient, room, content, originID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNoteUpdated, stepTimeout)

	var p v1.NoteUpdatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal note_updated payload (%s): %v", c.name, err)
	}
	if p.RoomKey != room {
		fatalf("note_updated roomKey mismatch (%s): got=%q want=%q", c.name, p.RoomKey, room)
	}
	if p.Content != content {
		fatalf("note_updated content mismatch (%s): got=%q want=%q", c.name, p.Content, content)
	}
	if p.OriginID != originID {
		fatalf("note_updated originId mismatch (%s): got=%q want=%q", c.name, p.OriginID, originID)
	}
	if p.Timestamp.IsZero() {
		fatalf("note_updated timestamp missing (%s)", c.name)
	}
}

func mustAssertErrorCode(parent context.Context, c *smokeClient, code string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error %s (%s)", code, c.name)
		case err := <-c.errCh:
			fatalf("connection error while waiting for error %s (%s): %v", code, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error %s (%s)", code, c.name)
			}
			if env.Type != v1.TypeError {
				continue
			}
			var ep v1.ErrorPayload
			if err := json.Unmarshal(env.Payload, &ep); err != nil {
				fatalf("unmarshal error payload (%s): %v", c.name, err)
			}
			if ep.Code != code {
				fatalf("error code mismatch (%s): got=%q want=%q msg=%q", c.name, ep.Code, code, ep.Message)
			}
			return
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustSend(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
