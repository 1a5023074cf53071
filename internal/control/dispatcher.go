package control

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quietwire/mdnsqd/internal/aggregate"
	"github.com/quietwire/mdnsqd/internal/engine"
	"github.com/quietwire/mdnsqd/internal/rr"
)

// Dispatcher accepts control-socket connections and turns each into a
// per-client session against the shared engine.
type Dispatcher struct {
	eng *engine.Engine
	log *slog.Logger
}

// New returns a Dispatcher driving requests into eng.
func New(eng *engine.Engine, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{eng: eng, log: log}
}

// Serve accepts connections on ln until ctx is canceled or ln.Accept fails.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var mu sync.Mutex
	clientID, _ := engine.Submit(ctx, d.eng, func(e *engine.Engine) uint64 {
		return e.NewClient(func(_, _ uint64, out aggregate.Output) {
			mu.Lock()
			defer mu.Unlock()
			if err := writeOutput(conn, out); err != nil {
				d.log.Debug("write to control client failed", "err", err)
			}
		})
	})
	defer func() {
		engine.Submit(context.Background(), d.eng, func(e *engine.Engine) bool {
			e.DisconnectClient(clientID)
			return true
		})
	}()

	for {
		reqType, payload, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				d.log.Debug("control connection closed", "err", err)
			}
			return
		}

		req, err := DecodeRequest(reqType, payload)
		if err != nil {
			d.log.Warn("malformed control request", "err", err)
			continue
		}

		d.dispatch(ctx, clientID, req, &mu, conn)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, clientID uint64, req Request, mu *sync.Mutex, conn net.Conn) {
	switch req.Type {
	case ReqLookup:
		result, ok := engine.Submit(ctx, d.eng, func(e *engine.Engine) lookupResult {
			answer, created, dup := e.Lookup(clientID, req.Key)
			return lookupResult{answer: answer, created: created, dup: dup}
		})
		if !ok {
			return
		}
		if result.dup {
			d.log.Debug("duplicate LOOKUP ignored", "name", req.Key.Name)
			return
		}
		if result.answer != nil {
			mu.Lock()
			_ = WriteFrame(conn, RespLookup, EncodeResponse(Response{Type: RespLookup, Record: result.answer}))
			mu.Unlock()
		}

	case ReqBrowseAdd:
		result, ok := engine.Submit(ctx, d.eng, func(e *engine.Engine) browseResult {
			cached, dup := e.Browse(clientID, req.Key)
			return browseResult{cached: cached, dup: dup}
		})
		if !ok || result.dup {
			if ok {
				d.log.Debug("duplicate BROWSE_ADD ignored", "name", req.Key.Name)
			}
			return
		}
		mu.Lock()
		for _, rec := range result.cached {
			_ = WriteFrame(conn, RespBrowseAdd, EncodeResponse(Response{Type: RespBrowseAdd, Record: rec}))
		}
		mu.Unlock()

	case ReqBrowseDel:
		engine.Submit(ctx, d.eng, func(e *engine.Engine) bool {
			e.BrowseDel(clientID, req.Key)
			return true
		})

	case ReqResolve:
		engine.Submit(ctx, d.eng, func(e *engine.Engine) bool {
			return e.Resolve(clientID, req.Name)
		})
	}
}

type lookupResult struct {
	answer  *rr.Record
	created bool
	dup     bool
}

type browseResult struct {
	cached []*rr.Record
	dup    bool
}

func writeOutput(conn net.Conn, out aggregate.Output) error {
	switch out.Kind {
	case aggregate.OutputAdd:
		return WriteFrame(conn, RespBrowseAdd, EncodeResponse(Response{Type: RespBrowseAdd, Record: out.Record}))
	case aggregate.OutputDel:
		return WriteFrame(conn, RespBrowseDel, EncodeResponse(Response{Type: RespBrowseDel, Record: out.Record}))
	case aggregate.OutputFinal:
		if out.Description != nil {
			return WriteFrame(conn, RespResolve, EncodeResponse(Response{Type: RespResolve, Desc: out.Description}))
		}
		return WriteFrame(conn, RespLookup, EncodeResponse(Response{Type: RespLookup, Record: out.Record}))
	case aggregate.OutputFail:
		return WriteFrame(conn, RespFail, EncodeResponse(Response{Type: RespFail, Record: out.Record, Style: out.Style}))
	}
	return nil
}
