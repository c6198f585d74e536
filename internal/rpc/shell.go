// Package rpc is the stdio shell: newline-delimited JSON-RPC 2.0 requests on
// stdin, replies on stdout. Each operation name is a method; requests run
// concurrently and replies are serialized onto the writer.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/dispatch"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// maxLineSize bounds a single request line (16 MiB).
const maxLineSize = 16 << 20

// request is an incoming JSON-RPC 2.0 message.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// response is an outgoing JSON-RPC 2.0 message.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the JSON-RPC error member. Data carries the structured
// taxonomy envelope.
type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Shell reads requests from in and writes replies to out.
type Shell struct {
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	in         io.Reader
	out        io.Writer

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a Shell over the given streams.
func New(dispatcher *dispatch.Dispatcher, in io.Reader, out io.Writer, logger zerolog.Logger) *Shell {
	return &Shell{
		dispatcher: dispatcher,
		logger:     logger,
		in:         in,
		out:        out,
	}
}

// Run processes requests until EOF or context cancellation. In-flight
// requests are allowed to finish before Run returns.
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		// Copy the line: RawMessage fields alias it and the scanner reuses
		// its buffer on the next Scan.
		line := append([]byte(nil), scanner.Bytes()...)

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(response{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: codeParseError, Message: fmt.Sprintf("parse error: %v", err)},
			})
			continue
		}

		s.wg.Add(1)
		go func(req request) {
			defer s.wg.Done()
			s.handle(ctx, req)
		}(req)
	}

	s.wg.Wait()
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return nil
}

// handle dispatches one request and writes its reply.
func (s *Shell) handle(ctx context.Context, req request) {
	switch req.Method {
	case "ping":
		s.write(response{JSONRPC: "2.0", ID: req.ID, Result: map[string]string{"status": "ok"}})
		return
	case "operations":
		s.write(response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"operations": s.dispatcher.Operations()}})
		return
	}

	if !s.dispatcher.Has(req.Method) {
		s.write(response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)},
		})
		return
	}

	result, err := s.dispatcher.Dispatch(ctx, req.Method, req.Params)
	if err != nil {
		s.write(response{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)})
		return
	}
	s.write(response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// toRPCError maps taxonomy kinds onto JSON-RPC error codes and attaches the
// structured envelope as data.
func toRPCError(err error) *rpcError {
	e := errs.AsError(err)
	code := codeServerError
	if e.Kind == errs.KindValidation {
		code = codeInvalidParams
	}
	return &rpcError{
		Code:    code,
		Message: e.Error(),
		Data:    dispatch.ErrorEnvelope(err)["error"],
	}
}

// write serializes one reply line.
func (s *Shell) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding rpc response")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error().Err(err).Msg("writing rpc response")
	}
}
