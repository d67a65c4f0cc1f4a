package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/brokergate/brokergate/gateway"
	"github.com/brokergate/brokergate/internal/jsonrpc"
)

// maxLineBytes bounds a single inbound frame. Quote payloads are small;
// anything beyond this is a broken or hostile peer.
const maxLineBytes = 4 * 1024 * 1024

// Handler is a single-connection stdio transport. It reads newline-delimited
// JSON-RPC from an io.Reader and writes frames to an io.Writer, defaulting
// to os.Stdin and os.Stdout. All MCP semantics live in the gateway server;
// the handler only frames messages and interleaves responses with the
// session's push notifications on the shared writer.
type Handler struct {
	srv *gateway.Server
	r   io.Reader
	w   io.Writer
	log *slog.Logger

	writeMu sync.Mutex
	bw      *bufio.Writer

	serveOnce sync.Once
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv *gateway.Server, opts ...Option) *Handler {
	h := &Handler{
		srv: srv,
		r:   os.Stdin,
		w:   os.Stdout,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the event loop until EOF on the reader or ctx is canceled. It
// opens exactly one session, valid for the life of the process; Serve must
// be called at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	var err error
	h.serveOnce.Do(func() { err = h.serve(ctx) })
	return err
}

func (h *Handler) serve(ctx context.Context) error {
	h.bw = bufio.NewWriter(h.w)

	sess := h.srv.Open()
	defer h.srv.Close(sess)

	ctx, cancel := context.WithCancel(ctx)

	// Teardown order matters: cancel first so in-flight calls and the
	// notification pump unwind, then close the session.
	var pumpWG, callWG sync.WaitGroup
	defer func() {
		cancel()
		callWG.Wait()
		pumpWG.Wait()
	}()

	// Push notifications share the writer with responses; writeJSONRPC
	// serializes them.
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		for {
			select {
			case note, ok := <-sess.Notifications():
				if !ok {
					return
				}
				if err := h.writeJSONRPC(note); err != nil {
					h.log.Warn("stdio.notify.write.fail", slog.String("err", err.Error()))
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(h.r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if errors.Is(err, bufio.ErrTooLong) {
						// An oversized frame ends the connection, but the
						// peer still gets told why.
						h.log.Warn("stdio.frame.too_large")
						_ = h.writeJSONRPC(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "frame too large", nil))
						return nil
					}
					if err != nil && !errors.Is(err, io.ErrClosedPipe) {
						return err
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			if err := h.dispatch(ctx, sess, &callWG, line); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *gateway.ProtocolSession, callWG *sync.WaitGroup, line []byte) error {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		h.log.Debug("stdio.frame.invalid", slog.String("err", err.Error()))
		return h.writeJSONRPC(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
	}

	req := msg.AsRequest()
	if req == nil {
		// Client responses have no server-initiated counterpart here.
		h.log.Debug("stdio.frame.unexpected_response")
		return nil
	}

	// Notifications are handled inline. Requests run concurrently so a
	// long tool call cannot stall the read loop and block the
	// cancellation notification that would end it.
	if req.IsNotification() {
		h.srv.Handle(ctx, sess, req)
		return nil
	}
	callWG.Add(1)
	go func() {
		defer callWG.Done()
		resp := h.srv.Handle(ctx, sess, req)
		if resp == nil {
			return
		}
		if err := h.writeJSONRPC(resp); err != nil {
			h.log.Warn("stdio.response.write.fail", slog.String("err", err.Error()))
		}
	}()
	return nil
}

// writeJSONRPC writes one frame followed by a newline and flushes. Safe for
// concurrent use.
func (h *Handler) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.bw.Write(b); err != nil {
		return err
	}
	if err := h.bw.WriteByte('\n'); err != nil {
		return err
	}
	return h.bw.Flush()
}
