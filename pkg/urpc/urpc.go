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

// Package urpc provides a minimal JSON RPC package over stream connections.
//
// RPC requests on one connection are _not_ concurrent and methods must be
// explicitly registered. Methods have the shape of net/rpc methods:
//
//	func (t *T) Method(args *Args, result *Result) error
package urpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"

	"gvisor.dev/gpusched/pkg/log"
)

// ErrUnknownMethod is returned when a method is not known.
var ErrUnknownMethod = errors.New("unknown method")

// errStopped is an internal error indicating the server has been stopped.
var errStopped = errors.New("stopped")

// RemoteError is an error returned by the remote invocation.
//
// This indicates that the RPC transport was correct, but that the called
// function itself returned an error.
type RemoteError struct {
	// Message is the result of calling Error() on the remote error.
	Message string
}

// Error returns the remote error string.
func (r RemoteError) Error() string {
	return r.Message
}

// clientCall is the client=>server method call on the client side.
type clientCall struct {
	Method string `json:"method"`
	Arg    any    `json:"arg"`
}

// serverCall is the client=>server method call on the server side.
type serverCall struct {
	Method string          `json:"method"`
	Arg    json.RawMessage `json:"arg"`
}

// callResult is the server=>client method call result.
type callResult struct {
	Success bool   `json:"success"`
	Err     string `json:"err"`
	Result  any    `json:"result"`
}

// registeredMethod is method registered with the server.
type registeredMethod struct {
	fn         reflect.Value
	rcvr       reflect.Value
	argType    reflect.Type
	resultType reflect.Type
}

// clientState is client metadata.
//
// The following transitions are possible:
//
//	idle -> processing, closed
//	processing -> idle, closeRequested
//	closeRequested -> closed
type clientState int

// See clientState.
const (
	idle clientState = iota
	processing
	closeRequested
	closed
)

// conn is one connection with its codec. The decoder buffers, so it must
// live as long as the connection.
type conn struct {
	c   net.Conn
	enc *json.Encoder
	dec *json.Decoder
}

func newConn(c net.Conn) *conn {
	return &conn{c: c, enc: json.NewEncoder(c), dec: json.NewDecoder(c)}
}

// Server is an RPC server.
type Server struct {
	// mu protects all fields, except wg.
	mu sync.Mutex

	// methods is the set of server methods.
	methods map[string]registeredMethod

	// clients is a map of clients.
	clients map[*conn]clientState

	// wg is a wait group for all outstanding clients.
	wg sync.WaitGroup
}

// NewServer returns a new server.
func NewServer() *Server {
	return &Server{
		methods: make(map[string]registeredMethod),
		clients: make(map[*conn]clientState),
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Register registers the given object as an RPC receiver. Its methods are
// named "Type.Method".
//
// Unlike net/rpc, it does not tolerate any object with non-conforming
// methods: they lead to an immediate panic, as do anonymous objects and
// duplicate entries.
func (s *Server) Register(obj any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typ := reflect.TypeOf(obj)
	typDeref := typ
	if typ.Kind() == reflect.Ptr {
		typDeref = typ.Elem()
	}
	if typDeref.Name() == "" {
		panic("type not named.")
	}

	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		prettyName := typDeref.Name() + "." + method.Name
		if _, ok := s.methods[prettyName]; ok {
			panic(fmt.Sprintf("method %s is duplicated.", prettyName))
		}
		mtype := method.Type
		switch {
		case mtype.NumIn() != 3:
			panic(fmt.Sprintf("method %s has wrong number of arguments.", prettyName))
		case mtype.In(1).Kind() != reflect.Ptr:
			panic(fmt.Sprintf("method %s has non-pointer first argument.", prettyName))
		case mtype.In(2).Kind() != reflect.Ptr:
			panic(fmt.Sprintf("method %s has non-pointer second argument.", prettyName))
		case mtype.NumOut() != 1 || mtype.Out(0) != errorType:
			panic(fmt.Sprintf("method %s must return only an error.", prettyName))
		}
		s.methods[prettyName] = registeredMethod{
			fn:         method.Func,
			rcvr:       reflect.ValueOf(obj),
			argType:    mtype.In(1),
			resultType: mtype.In(2),
		}
	}
}

// lookup looks up the given method.
func (s *Server) lookup(method string) (registeredMethod, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.methods[method]
	return rm, ok
}

// handleOne handles a single call.
func (s *Server) handleOne(client *conn) error {
	var c serverCall
	if err := client.dec.Decode(&c); err != nil {
		// Client is dead.
		return err
	}

	if !s.clientBeginRequest(client) {
		return errStopped
	}
	defer s.clientEndRequest(client)

	rm, ok := s.lookup(c.Method)
	if !ok {
		return client.send(&callResult{Err: fmt.Sprintf("%v: %s", ErrUnknownMethod, c.Method)})
	}

	// Unmarshal the arguments now that we know the type.
	na := reflect.New(rm.argType.Elem())
	if len(c.Arg) > 0 {
		if err := json.Unmarshal(c.Arg, na.Interface()); err != nil {
			return client.send(&callResult{Err: err.Error()})
		}
	}

	re := reflect.New(rm.resultType.Elem())
	rValues := rm.fn.Call([]reflect.Value{rm.rcvr, na, re})
	if errVal := rValues[0].Interface(); errVal != nil {
		return client.send(&callResult{Err: errVal.(error).Error()})
	}
	return client.send(&callResult{Success: true, Result: re.Interface()})
}

func (c *conn) send(v any) error {
	if err := c.enc.Encode(v); err != nil {
		log.Warningf("urpc: error sending %T: %v", v, err)
		return err
	}
	return nil
}

// clientBeginRequest begins a request.
//
// If true is returned, the request may be processed. If false is returned,
// then the server has been stopped and the request should be skipped.
func (s *Server) clientBeginRequest(client *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state := s.clients[client]; state {
	case idle:
		s.clients[client] = processing
		return true
	case closed:
		// Closed immediately following the deserialization. Don't let
		// the RPC go through, since no response can be sent.
		return false
	default:
		panic(fmt.Sprintf("expected idle or closed, got %d", state))
	}
}

// clientEndRequest ends a request.
func (s *Server) clientEndRequest(client *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state := s.clients[client]; state {
	case processing:
		s.clients[client] = idle
	case closeRequested:
		client.c.Close()
		s.clients[client] = closed
	default:
		panic(fmt.Sprintf("expected processing or requestClose, got %d", state))
	}
}

// clientRegister registers a connection.
func (s *Server) clientRegister(client *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = idle
	s.wg.Add(1)
}

// clientUnregister unregisters and closes a connection if necessary.
func (s *Server) clientUnregister(client *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state := s.clients[client]; state {
	case idle:
		client.c.Close()
	case closed:
	default:
		panic(fmt.Sprintf("expected idle or closed, got %d", state))
	}
	delete(s.clients, client)
	s.wg.Done()
}

// handleRegistered handles calls from a registered client.
func (s *Server) handleRegistered(client *conn) error {
	for {
		if err := s.handleOne(client); err != nil {
			return err
		}
	}
}

// Handle synchronously handles a single client over a connection.
func (s *Server) Handle(c net.Conn) error {
	client := newConn(c)
	s.clientRegister(client)
	defer s.clientUnregister(client)
	return s.handleRegistered(client)
}

// StartHandling creates a goroutine that handles a single client over a
// connection.
func (s *Server) StartHandling(c net.Conn) {
	client := newConn(c)
	s.clientRegister(client)
	go func() {
		defer s.clientUnregister(client)
		s.handleRegistered(client)
	}()
}

// Stop safely terminates outstanding clients.
//
// No new requests should be initiated after calling Stop. Existing clients
// will be closed after completing any pending RPCs. This method will block
// until all clients have disconnected.
func (s *Server) Stop() {
	defer s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for client, state := range s.clients {
		switch state {
		case idle:
			client.c.Close()
			s.clients[client] = closed
		case processing:
			s.clients[client] = closeRequested
		}
	}
}

// Client is a urpc client.
type Client struct {
	// mu protects all members. It also enforces single-call semantics.
	mu sync.Mutex

	// +checklocks:mu
	conn *conn
}

// NewClient returns a new client over c. Close closes c.
func NewClient(c net.Conn) *Client {
	return &Client{conn: newConn(c)}
}

// Call calls a function.
func (c *Client) Call(method string, arg any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.send(&clientCall{Method: method, Arg: arg}); err != nil {
		return err
	}
	callR := callResult{Result: result}
	if err := c.conn.dec.Decode(&callR); err != nil {
		return err
	}
	if !callR.Success {
		return RemoteError{Message: callR.Err}
	}
	return nil
}

// Close closes the underlying connection.
//
// Further calls to the client may result in undefined behavior.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.c.Close()
}
