// Package rpc is the external surface: JSON-RPC 2.0, one object per
// line, over stdin/stdout. The method set is small and closed; batch
// requests are not supported. All logging goes to stderr so the protocol
// owns stdout exclusively.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"shannot/internal/errs"
)

// maxLineBytes bounds a single request line; scripts are carried inline
// so the ceiling is generous.
const maxLineBytes = 10 << 20

// Server reads requests from its input stream and writes one response
// line per request. Requests run concurrently; response writes are
// serialised.
type Server struct {
	svc    *Service
	stdin  io.Reader
	stdout io.Writer

	mu sync.Mutex // serialises stdout writes
	wg sync.WaitGroup
}

// NewServer builds a Server over the given streams (os.Stdin/os.Stdout
// in production, pipes in tests).
func NewServer(svc *Service, stdin io.Reader, stdout io.Writer) *Server {
	return &Server{svc: svc, stdin: stdin, stdout: stdout}
}

// Run reads request lines until EOF, dispatching each on its own
// goroutine so a long capture phase never blocks a concurrent poll.
// ctx is checked as each line arrives: after cancellation Run returns
// when the next line is read, not while it is blocked waiting for
// input. It returns once all in-flight requests finish.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(&Response{JSONRPC: "2.0", Error: &Error{Code: ErrCodeParse, Message: "parse error"}})
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			s.send(&Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: ErrCodeInvalidRequest, Message: "invalid request"}})
			continue
		}

		s.wg.Add(1)
		go func(r Request) {
			defer s.wg.Done()
			resp := s.handle(ctx, &r)
			if resp != nil {
				s.send(resp)
			}
		}(req)
	}

	s.wg.Wait()
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	result, err := s.dispatch(ctx, req)
	if req.ID == nil {
		// Notification: no response regardless of outcome.
		return nil
	}
	if err != nil {
		code := errs.RPCCode(err)
		var mnf *methodNotFoundError
		if errors.As(err, &mnf) {
			code = ErrCodeMethodNotFound
		}
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    code,
				Message: err.Error(),
				Data:    map[string]string{"kind": string(errs.KindOf(err))},
			},
		}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case "submit_script":
		var params SubmitParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return s.svc.Submit(ctx, params)
	case "poll_session":
		var params PollParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return s.svc.Poll(ctx, params)
	case "list_profiles":
		return s.svc.ListProfiles(ctx)
	case "list_targets":
		return s.svc.ListTargets(ctx)
	case "status":
		return s.svc.Status(ctx)
	default:
		return nil, &methodNotFoundError{method: req.Method}
	}
}

func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal response")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stdout.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	// json.Unmarshal would silently turn invalid bytes into U+FFFD.
	if !utf8.Valid(raw) {
		return errs.New("params", errs.KindInvalidInput, errors.New("params are not valid UTF-8"))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.New("params", errs.KindInvalidInput, err)
	}
	return nil
}

// methodNotFoundError carries the JSON-RPC -32601 code through the
// generic error mapping.
type methodNotFoundError struct {
	method string
}

func (e *methodNotFoundError) Error() string { return "method not found: " + e.method }
