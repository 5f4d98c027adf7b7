// Copyright 2026 The gVisor Authors.
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

//go:build linux

// Package server provides a basic control server interface.
//
// Note that no objects are registered by default. Users must provide their
// own implementations of the control interface.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gpusched/pkg/log"
	"gvisor.dev/gpusched/pkg/urpc"
)

// curUID is the unix user ID of the user that the control server is running
// as.
var curUID = os.Getuid()

// Server is a basic control server.
type Server struct {
	// listener is our bound socket.
	listener *net.UnixListener

	// server is our rpc server.
	server *urpc.Server

	// wg waits for the accept loop to terminate.
	wg sync.WaitGroup
}

// New returns a new control server accepting on l.
func New(l *net.UnixListener) *Server {
	return &Server{
		listener: l,
		server:   urpc.NewServer(),
	}
}

// Create creates a control server bound to the unix socket at path. A stale
// socket left at path is replaced.
func Create(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %q: %w", path, err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	return New(l), nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Wait waits for the main server goroutine to exit. This should be called
// after a call to StartServing.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Stop stops the server. Note that this function should only be called once
// and the server should not be used afterwards.
func (s *Server) Stop() {
	s.listener.Close()
	s.wg.Wait()

	// This will cause existing clients to be terminated safely.
	s.server.Stop()
}

// StartServing spawns the main service goroutine for handling incoming
// control requests. StartServing does not block; to wait for the control
// server to exit, call Wait.
func (s *Server) StartServing() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve()
	}()
}

// serve is the body of the main service goroutine. It handles incoming
// control connections and dispatches requests to registered objects.
func (s *Server) serve() {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			return
		}

		uid, err := peerUID(conn)
		if err != nil {
			log.Warningf("Control couldn't get credentials: %v", err)
			conn.Close()
			continue
		}

		// Only allow this user and root.
		if int(uid) != curUID && uid != 0 {
			log.Warningf("Control auth failure: other UID = %d, current UID = %d", uid, curUID)
			conn.Close()
			continue
		}

		s.server.StartHandling(conn)
	}
}

// peerUID returns the user ID of the process on the other end of c.
func peerUID(c *net.UnixConn) (uint32, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, credErr
	}
	return cred.Uid, nil
}

// Register registers a specific control interface with the server.
func (s *Server) Register(obj any) {
	s.server.Register(obj)
}
