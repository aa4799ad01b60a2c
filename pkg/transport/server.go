// Copyright 2023 The mqtt-gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport accepts device connections over TCP or TLS and hands
// them to a connection handler.
package transport

import (
	"crypto/tls"
	"errors"
	"log"
	"net"
	"sync"
)

// Handler takes ownership of an accepted connection. It must not block the
// accept loop for longer than it takes to hand the connection off.
type Handler func(conn net.Conn)

// Server manages a listener and its accept loop.
type Server struct {
	handler   Handler
	tlsConfig *tls.Config

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
}

// NewServer creates a server dispatching connections to handler. A non-nil
// tlsConfig makes the listener terminate TLS.
func NewServer(handler Handler, tlsConfig *tls.Config) *Server {
	return &Server{
		handler:   handler,
		tlsConfig: tlsConfig,
		quit:      make(chan struct{}),
	}
}

// Start binds addr and starts the accept loop.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	log.Printf("[INFO] Listening for devices on %s (tls=%t)", ln.Addr(), s.tlsConfig != nil)
	return nil
}

// Stop closes the listener and waits for the accept loop to exit. Accepted
// connections are left to their handler.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return
	default:
		close(s.quit)
	}
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	log.Println("[INFO] Device listener stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[WARN] Error accepting connection: %v", err)
			continue
		}
		s.handler(conn)
	}
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
