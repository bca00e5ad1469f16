package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"cellrunner/internal/kernel"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	maxMessageSize   = 4 << 20
	executeQueueSize = 64
)

var errClosed = errors.New("connection closed")

// conn serves one client. Reading, writing and executing run in their own
// goroutines, so interrupt requests are handled while a cell runs and cells
// run in the order they were requested.
type conn struct {
	ws    *websocket.Conn
	k     Kernel
	log   *slog.Logger
	out   chan Message
	execs chan Message
}

func newConn(ws *websocket.Conn, k Kernel, log *slog.Logger) *conn {
	return &conn{
		ws:    ws,
		k:     k,
		log:   log,
		out:   make(chan Message, 256),
		execs: make(chan Message, executeQueueSize),
	}
}

// serve blocks until the client goes away or the kernel is shut down. Every
// goroutine ends with an error, which cancels the others.
func (c *conn) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.executeLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks the reader.
		_ = c.ws.Close()
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

func (c *conn) readLoop(ctx context.Context) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return fmt.Errorf("failed to read message: %w", err)
			}
			return errClosed
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ctx, "", "InvalidMessage", err)
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *conn) dispatch(ctx context.Context, msg Message) {
	c.log.Debug("Received message", "msg_type", msg.MsgType, "msg_id", msg.MsgID)

	switch msg.MsgType {
	case "kernel_info_request":
		c.reply(ctx, msg.MsgID, "kernel_info_reply", kernelInfoReply{
			ProtocolVersion: protocolVersion,
			Implementation:  "cellrunner",
			SessionID:       c.k.SessionID(),
			LanguageInfo: languageInfo{
				Name:          "c++",
				Mimetype:      "text/x-c++src",
				FileExtension: ".cpp",
			},
			Banner: "C++ kernel",
		})

	case "execute_request":
		select {
		case c.execs <- msg:
		default:
			c.sendError(ctx, msg.MsgID, "QueueFull", fmt.Errorf("more than %d executions queued", executeQueueSize))
		}

	case "interrupt_request":
		if err := c.k.Interrupt(); err != nil {
			c.sendError(ctx, msg.MsgID, "InterruptFailed", err)
			return
		}
		c.reply(ctx, msg.MsgID, "interrupt_reply", okReply{Status: "ok"})

	case "shutdown_request":
		if err := c.k.Shutdown(); err != nil {
			c.log.Warn("Failed to shut down kernel", "error", err)
		}
		reply, err := newMessage(msg.MsgID, "shutdown_reply", okReply{Status: "ok"})
		if err != nil {
			return
		}
		reply.last = true
		c.send(ctx, reply)

	default:
		c.sendError(ctx, msg.MsgID, "UnknownMessageType", fmt.Errorf("unknown msg_type %q", msg.MsgType))
	}
}

func (c *conn) executeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.execs:
			c.execute(ctx, msg)
		}
	}
}

func (c *conn) execute(ctx context.Context, msg Message) {
	var req executeRequest
	if err := json.Unmarshal(msg.Content, &req); err != nil {
		c.sendError(ctx, msg.MsgID, "InvalidRequest", err)
		return
	}

	c.reply(ctx, msg.MsgID, "status", statusContent{ExecutionState: "busy"})
	defer c.reply(ctx, msg.MsgID, "status", statusContent{ExecutionState: "idle"})

	out := &messageOutput{ctx: ctx, c: c, parentID: msg.MsgID}
	reply, err := c.k.Execute(ctx, kernel.Request{Code: req.Code, CellID: req.CellID, Silent: req.Silent}, out)
	if err != nil && ctx.Err() == nil {
		c.sendError(ctx, msg.MsgID, "ExecutionError", err)
	}

	c.reply(ctx, msg.MsgID, "execute_reply", executeReply{
		Status:          reply.Status,
		ExecutionCount:  reply.ExecutionCount,
		CompileExitCode: reply.CompileExitCode,
		RunExitCode:     reply.RunExitCode,
		Signal:          reply.Signal,
		Usage:           reply.Usage,
	})
}

func (c *conn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
			if msg.last {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "kernel shut down"))
				return errClosed
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("failed to send ping: %w", err)
			}
		}
	}
}

func (c *conn) send(ctx context.Context, msg Message) {
	select {
	case c.out <- msg:
	case <-ctx.Done():
	}
}

func (c *conn) reply(ctx context.Context, parentID, msgType string, content any) {
	msg, err := newMessage(parentID, msgType, content)
	if err != nil {
		c.log.Error("Failed to encode message", "msg_type", msgType, "error", err)
		return
	}
	c.send(ctx, msg)
}

func (c *conn) sendError(ctx context.Context, parentID, name string, err error) {
	c.log.Debug("Sending error", "ename", name, "error", err)
	c.reply(ctx, parentID, "error", errorContent{EName: name, EValue: err.Error()})
}

// messageOutput turns kernel output into stream and display_data messages.
type messageOutput struct {
	ctx      context.Context
	c        *conn
	parentID string
}

func (o *messageOutput) Stdout(text string) {
	o.c.reply(o.ctx, o.parentID, "stream", streamContent{Name: "stdout", Text: text})
}

func (o *messageOutput) Stderr(text string) {
	o.c.reply(o.ctx, o.parentID, "stream", streamContent{Name: "stderr", Text: text})
}

func (o *messageOutput) Display(data map[string]string) {
	o.c.reply(o.ctx, o.parentID, "display_data", displayContent{Data: data, Metadata: map[string]any{}})
}
