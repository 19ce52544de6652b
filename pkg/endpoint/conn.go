package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TeoSlayer/drpmesh/internal/pool"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// Reply is the answer to a correlated command.
type Reply struct {
	Status  protocol.Status
	Payload json.RawMessage
}

// OK reports whether the remote side succeeded.
func (r *Reply) OK() bool { return r != nil && r.Status == protocol.StatusSuccess }

// Decode unmarshals the payload into v.
func (r *Reply) Decode(v interface{}) error {
	return protocol.Decode(r.Payload, v)
}

// Err returns a RemoteError for failure replies and nil otherwise.
func (r *Reply) Err() error {
	if r == nil || r.OK() {
		return nil
	}
	var msg string
	if err := json.Unmarshal(r.Payload, &msg); err != nil {
		msg = string(r.Payload)
	}
	return &RemoteError{Message: msg}
}

// RemoteError is a failure reported by the other side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }

var errNoMethod = errors.New(protocol.NoMethodMessage)

// SendCmd sends a command and waits for its reply. A failure reply is not an
// error; check Reply.OK.
func (e *Endpoint) SendCmd(ctx context.Context, service, method string, params interface{}) (*Reply, error) {
	raw, err := protocol.Encode(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	token := strconv.FormatUint(e.seq.Add(1), 10)
	ch := make(chan *Reply, 1)

	e.mu.Lock()
	if e.ReadyState() >= Closing {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.pending[token] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, token)
		e.mu.Unlock()
	}()

	f := &protocol.Frame{Type: protocol.FrameCmd, ServiceName: service, Method: method, Token: token, Params: raw}
	if err := e.write(f); err != nil {
		return nil, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return r, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendCmdOneWay sends a command without a reply token.
func (e *Endpoint) SendCmdOneWay(service, method string, params interface{}) error {
	raw, err := protocol.Encode(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	return e.write(&protocol.Frame{Type: protocol.FrameCmd, ServiceName: service, Method: method, Params: raw})
}

// SendReply answers the command that carried token.
func (e *Endpoint) SendReply(token string, status protocol.Status, payload interface{}) error {
	raw, err := protocol.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return e.write(&protocol.Frame{Type: protocol.FrameReply, Token: token, Status: status, Payload: raw})
}

// SendStream pushes stream data to the handler the other side registered
// under token.
func (e *Endpoint) SendStream(token string, status protocol.Status, payload interface{}) error {
	raw, err := protocol.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode stream: %w", err)
	}
	return e.write(&protocol.Frame{Type: protocol.FrameStream, Token: token, Status: status, Payload: raw})
}

func (e *Endpoint) write(f *protocol.Frame) error {
	if e.ReadyState() != Open {
		return ErrClosed
	}
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(f); err != nil {
		return fmt.Errorf("encode %s: %w", f.Type, err)
	}
	e.wmu.Lock()
	e.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := e.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
	e.wmu.Unlock()
	if err != nil {
		go e.Close()
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	select {
	case e.pingReset <- struct{}{}:
	default:
	}
	return nil
}

func (e *Endpoint) readLoop() {
	defer e.Close()
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.log.Debug("read failed", "remote", e.RemoteID(), "error", err)
			}
			return
		}
		f, err := protocol.Unmarshal(data)
		if err != nil {
			e.log.Warn("dropping frame", "error", err)
			continue
		}
		switch f.Type {
		case protocol.FrameCmd:
			go e.handleCmd(f)
		case protocol.FrameReply:
			e.mu.Lock()
			ch, ok := e.pending[f.Token]
			delete(e.pending, f.Token)
			e.mu.Unlock()
			if ok {
				ch <- &Reply{Status: f.Status, Payload: f.Payload}
			}
		case protocol.FrameStream:
			e.handleStream(f)
		}
	}
}

func (e *Endpoint) handleStream(f *protocol.Frame) {
	e.mu.Lock()
	h, ok := e.streams[f.Token]
	if ok && f.Status != protocol.StatusContinue {
		delete(e.streams, f.Token)
	}
	e.mu.Unlock()
	if !ok {
		e.log.Debug("no stream handler", "token", f.Token)
		return
	}
	h(f)
}

func (e *Endpoint) handleCmd(f *protocol.Frame) {
	start := time.Now()
	result, err := e.dispatch(f)
	status := protocol.StatusSuccess
	if err != nil {
		status = protocol.StatusFailure
		result = err.Error()
	}
	e.metrics.Command(f.Method, status.String(), time.Since(start))
	if f.Token == "" {
		if err != nil {
			e.log.Debug("one-way command failed", "method", f.Method, "error", err)
		}
		return
	}
	if err := e.SendReply(f.Token, status, result); err != nil {
		e.log.Debug("reply failed", "method", f.Method, "error", err)
	}
}

func (e *Endpoint) dispatch(f *protocol.Frame) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("command panicked", "service", f.ServiceName, "method", f.Method, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("%v", r)
		}
	}()

	e.mu.Lock()
	h, ok := e.cmds[f.Method]
	svc := e.service
	e.mu.Unlock()

	if f.ServiceName == "" || f.ServiceName == protocol.ControlService {
		if !ok {
			e.log.Warn("unknown command", "method", f.Method, "remote", e.RemoteID())
			return nil, errNoMethod
		}
		return h(e.ctx, f.Params, e, f.Token)
	}
	if svc == nil {
		e.log.Warn("no service handler", "service", f.ServiceName, "method", f.Method)
		return nil, errNoMethod
	}
	return svc(e.ctx, f, e)
}

// pingLoop sends periodic ping frames when the connection is idle.
func (e *Endpoint) pingLoop() {
	timer := time.NewTimer(wsPingInterval)
	defer timer.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-e.pingReset:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(wsPingInterval)
		case <-timer.C:
			e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPingWriteTimeout))
			e.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			timer.Reset(wsPingInterval)
		case <-e.pongReceived:
			e.conn.SetReadDeadline(time.Time{})
		}
	}
}

// Close shuts the connection down, fails outstanding commands and runs the
// close handlers. It is safe to call more than once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.state.Store(int32(Closing))
		e.cancel()
		e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsPingWriteTimeout))
		err = e.conn.Close()

		e.mu.Lock()
		e.state.Store(int32(Closed))
		for token, ch := range e.pending {
			close(ch)
			delete(e.pending, token)
		}
		e.streams = make(map[string]StreamHandler)
		handlers := e.closeHandlers
		e.closeHandlers = nil
		e.mu.Unlock()
		close(e.closed)

		for _, fn := range handlers {
			fn(e)
		}
	})
	return err
}
