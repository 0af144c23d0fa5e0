package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
)

// fakeWorker is an in-process JSON-RPC tool worker listening on a TCP socket.
type fakeWorker struct {
	t        *testing.T
	name     string
	version  string // protocol version to report
	tools    []map[string]any
	silentOn map[string]bool // methods to never answer, for timeout tests

	ln      net.Listener
	mu      sync.Mutex
	conns   []net.Conn
	accepts int
	wg      sync.WaitGroup
}

func newFakeWorker(t *testing.T, name string, tools ...map[string]any) *fakeWorker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	w := &fakeWorker{
		t:        t,
		name:     name,
		version:  ProtocolVersion,
		tools:    tools,
		silentOn: map[string]bool{},
		ln:       ln,
	}
	w.wg.Add(1)
	go w.acceptLoop(ln)
	return w
}

func (w *fakeWorker) Addr() string { return w.ln.Addr().String() }

// Accepts returns how many connections the worker has accepted in total.
func (w *fakeWorker) Accepts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.accepts
}

// Stop closes the listener and every open connection.
func (w *fakeWorker) Stop() {
	_ = w.ln.Close()
	w.mu.Lock()
	for _, c := range w.conns {
		_ = c.Close()
	}
	w.conns = nil
	w.mu.Unlock()
	w.wg.Wait()
}

// Restart brings the worker back on the same address after Stop.
func (w *fakeWorker) Restart() error {
	ln, err := net.Listen("tcp", w.Addr())
	if err != nil {
		return err
	}
	w.ln = ln
	w.wg.Add(1)
	go w.acceptLoop(ln)
	return nil
}

func (w *fakeWorker) acceptLoop(ln net.Listener) {
	defer w.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		w.mu.Lock()
		w.conns = append(w.conns, conn)
		w.accepts++
		w.mu.Unlock()
		w.wg.Add(1)
		go w.serve(conn)
	}
}

func (w *fakeWorker) serve(conn net.Conn) {
	defer w.wg.Done()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		if req.Method == "" || req.ID == 0 {
			continue // notification
		}
		if w.silentOn[req.Method] {
			continue
		}
		w.respond(conn, req)
	}
}

func (w *fakeWorker) respond(conn net.Conn, req jsonrpcRequest) {
	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": w.version,
			"serverInfo":      map[string]any{"name": w.name, "version": "1.0.0"},
		}
	case "tools/list":
		tools := w.tools
		if tools == nil {
			tools = []map[string]any{}
		}
		result = map[string]any{"tools": tools}
	case "tools/call":
		var params callToolParams
		_ = json.Unmarshal(req.Params, &params)
		result, rpcErr = w.callTool(params)
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	data, _ := json.Marshal(resp)
	_, _ = conn.Write(append(data, '\n'))
}

func (w *fakeWorker) callTool(params callToolParams) (any, *RPCError) {
	switch params.Name {
	case "echo":
		text, _ := params.Arguments["text"].(string)
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		}, nil
	case "add":
		a, aok := params.Arguments["a"].(float64)
		b, bok := params.Arguments["b"].(float64)
		if !aok || !bok {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "a and b are required numbers"}
		}
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("%g", a+b)}},
		}, nil
	}
	return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown tool " + params.Name}
}

// echoToolSchema is the definition the fake echo worker advertises.
func echoToolSchema() map[string]any {
	return map[string]any{
		"name":        "echo",
		"description": "Echoes text back",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "text to echo"},
			},
			"required": []string{"text"},
		},
	}
}

func addToolSchema() map[string]any {
	return map[string]any{
		"name":        "add",
		"description": "Adds two numbers",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
	}
}
