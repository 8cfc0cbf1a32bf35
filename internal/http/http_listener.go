package http

import (
	"context"
	"errors"
	"net"
	nethttp "net/http"
	"time"

	log "sw/ocpp/gateway/internal/logging"
)

const keepAlivePeriod = 3 * time.Minute

type TcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln TcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
	return tc, nil
}

// Server wraps a running http.Server so callers can drain it on shutdown.
type Server struct {
	srv      *nethttp.Server
	listener net.Listener
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for handlers until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.srv.Close()
}

// ListenAndServe binds addr and serves handler in the background.
func ListenAndServe(addr string, handler nethttp.Handler, idleTimeout time.Duration) (*Server, error) {
	if addr == "" {
		addr = ":http"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       idleTimeout,
	}

	go func() {
		err := srv.Serve(TcpKeepAliveListener{listener.(*net.TCPListener)})
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Logger.Errorf("HTTP Server Error - %s", err)
		}
	}()

	return &Server{srv: srv, listener: listener}, nil
}
