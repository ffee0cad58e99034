package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/kansei-svc/kanseid/graph"
	"github.com/kansei-svc/kanseid/kerrors"
	"github.com/kansei-svc/kanseid/service"
)

// GraphOps is the slice of *graph.Graph the server needs; an interface
// so server tests can substitute a fake without building a real graph.
type GraphOps interface {
	Status(ctx context.Context, name string) (graph.Snapshot, error)
	StartService(ctx context.Context, name string) error
	StopService(ctx context.Context, name string) error
	Reload(ctx context.Context, dg service.DependencyGraph) error
}

// GraphLoader reads and decodes the persisted graph file, used by the
// ReloadGraph handler to pick up the file the control tool just wrote.
type GraphLoader func() (service.DependencyGraph, error)

// Server is the IPC command surface: at most one mutating command in
// flight while status queries run concurrently, implemented with a
// single mutex the mutating handlers hold and the status handler
// never takes.
type Server struct {
	SocketPath string
	Graph      GraphOps
	LoadGraph  GraphLoader
	Logger     hclog.Logger

	mu sync.Mutex
}

// Listen opens the server's listener: systemd socket activation if
// LISTEN_FDS is set in the environment, otherwise a freshly-bound Unix
// socket at SocketPath.
func (s *Server) Listen() (net.Listener, error) {
	if os.Getenv("LISTEN_FDS") != "" {
		listeners, err := activation.Listeners()
		if err != nil {
			return nil, &kerrors.IpcError{Kind: kerrors.IpcConnectionFailed, Err: err}
		}
		if len(listeners) > 0 && listeners[0] != nil {
			return listeners[0], nil
		}
	}
	_ = os.Remove(s.SocketPath)
	l, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return nil, &kerrors.IpcError{Kind: kerrors.IpcConnectionFailed, Err: err}
	}
	return l, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &kerrors.IpcError{Kind: kerrors.IpcConnectionFailed, Err: err}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reqID, _ := uuid.GenerateUUID()
	logger := s.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("ipc").With("request_id", reqID)

	// Per original_source/ipc/src/connection.rs's Connection::recv: read
	// the whole request as one block up to EOF rather than a length- or
	// newline-delimited frame. A client signals "done writing" with
	// CloseWrite; we tolerate a trailing newline either way.
	data, err := io.ReadAll(conn)
	if err != nil {
		logger.Error("read failed", "error", err)
		return
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(conn, logger, kerrors.IpcDecodeFailed, err)
		return
	}

	resp := s.dispatch(ctx, logger, req)
	encoded, err := json.Marshal(resp)
	if err != nil {
		logger.Error("encode response failed", "error", err)
		return
	}
	if _, err := conn.Write(append(encoded, '\n')); err != nil {
		logger.Error("write failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, logger hclog.Logger, req Request) Response {
	switch req.Kind {
	case ServiceStatus:
		snap, err := s.Graph.Status(ctx, req.Name)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Ok: snapshotToPayload(snap)}

	case StartService:
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.Graph.StartService(ctx, req.Name); err != nil {
			return errorResponse(err)
		}
		return Response{Ok: &StatusPayload{Name: req.Name, Status: "starting"}}

	case StopService:
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.Graph.StopService(ctx, req.Name); err != nil {
			return errorResponse(err)
		}
		return Response{Ok: &StatusPayload{Name: req.Name, Status: "stopping"}}

	case ReloadGraph:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.LoadGraph == nil {
			return errorResponse(errors.New("reload unsupported: no graph loader configured"))
		}
		dg, err := s.LoadGraph()
		if err != nil {
			return errorResponse(err)
		}
		if err := dg.Validate(); err != nil {
			return errorResponse(err)
		}
		if err := s.Graph.Reload(ctx, dg); err != nil {
			return errorResponse(err)
		}
		return Response{Ok: &StatusPayload{Status: "reloaded"}}

	default:
		logger.Warn("unrecognized request kind", "kind", req.Kind)
		return errorResponse(errors.New("unrecognized request kind"))
	}
}

func (s *Server) writeError(conn net.Conn, logger hclog.Logger, kind kerrors.IpcErrorKind, err error) {
	logger.Error("request decode failed", "error", err)
	ipcErr := &kerrors.IpcError{Kind: kind, Err: err}
	encoded, _ := json.Marshal(errorResponse(ipcErr))
	_, _ = conn.Write(append(encoded, '\n'))
}

func errorResponse(err error) Response {
	kind := "internal"
	var ipcErr *kerrors.IpcError
	var launchErr *kerrors.LaunchError
	switch {
	case errors.As(err, &ipcErr):
		kind = string(ipcErr.Kind)
	case errors.As(err, &launchErr):
		kind = string(launchErr.Kind)
	}
	return Response{Error: &ErrorPayload{Kind: kind, Message: err.Error()}}
}

func snapshotToPayload(snap graph.Snapshot) *StatusPayload {
	return &StatusPayload{
		Name:          snap.Name,
		Status:        snap.Status.String(),
		LastStatus:    lastStatusString(snap.LastStatus),
		StatusChanged: snap.StatusChanged.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func lastStatusString(ls graph.LastStatus) string {
	switch ls {
	case graph.LastStatusUp:
		return "up"
	case graph.LastStatusDown:
		return "down"
	default:
		return "none"
	}
}
