package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/websocket"
)

// RecordedRequest is a request seen by a mock server.
type RecordedRequest struct {
	Method string
	Path   string
	Body   []byte
}

// MockGoogleServer mocks the Sheets v4 and Drive v3 REST endpoints.
// Handlers are keyed by "METHOD /path-prefix"; the longest matching prefix wins.
type MockGoogleServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewMockGoogleServer creates a new mock Google API server.
func NewMockGoogleServer(t *testing.T) *MockGoogleServer {
	t.Helper()
	m := &MockGoogleServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
		m.mu.Unlock()

		if h := m.match(r.Method + " " + r.URL.Path); h != nil {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockGoogleServer) match(key string) http.HandlerFunc {
	keys := make([]string, 0, len(m.Handlers))
	for k := range m.Handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.HasPrefix(key, k) {
			return m.Handlers[k]
		}
	}
	return nil
}

// Requests returns the requests received so far.
func (m *MockGoogleServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsTo returns the bodies of requests whose "METHOD /path" starts with prefix.
func (m *MockGoogleServer) RequestsTo(prefix string) [][]byte {
	var out [][]byte
	for _, r := range m.Requests() {
		if strings.HasPrefix(r.Method+" "+r.Path, prefix) {
			out = append(out, r.Body)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockSpreadsheet installs handlers for creating spreadsheet id with one
// sheet, writing values and applying batch updates.
func (m *MockGoogleServer) MockSpreadsheet(id string, sheetID int64) {
	url := "https://docs.google.com/spreadsheets/d/" + id + "/edit"
	m.Handlers["POST /v4/spreadsheets"] = func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.Unmarshal(m.lastBody(), &req)
		title := ""
		if props, ok := req["properties"].(map[string]any); ok {
			title, _ = props["title"].(string)
		}
		writeJSON(w, map[string]any{
			"spreadsheetId":  id,
			"spreadsheetUrl": url,
			"properties":     map[string]any{"title": title},
			"sheets": []map[string]any{
				{"properties": map[string]any{"sheetId": sheetID, "title": "sheet"}},
			},
		})
	}
	m.Handlers["PUT /v4/spreadsheets/"+id+"/values/"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"spreadsheetId": id, "updatedRows": 1})
	}
	m.Handlers["POST /v4/spreadsheets/"+id+":batchUpdate"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"spreadsheetId": id})
	}
}

// MockPermission installs a handler for Drive permission creation.
func (m *MockGoogleServer) MockPermission(fileID string) {
	m.Handlers["POST /drive/v3/files/"+fileID+"/permissions"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "anyoneWithLink", "type": "anyone", "role": "writer"})
	}
}

// MockError makes every request matching key fail with status.
func (m *MockGoogleServer) MockError(key string, status int) {
	m.Handlers[key] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"error": map[string]any{"code": status, "message": "mock failure"},
		})
	}
}

func (m *MockGoogleServer) lastBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1].Body
}

// MockSOOPServer is a websocket server that plays the chat server's side.
type MockSOOPServer struct {
	*httptest.Server

	frames   chan []byte
	mu       sync.Mutex
	received [][]byte
	conns    int
}

// NewMockSOOPServer starts a websocket server. Every frame passed to Send is
// written to the connected client; frames from the client are recorded.
func NewMockSOOPServer(t *testing.T) *MockSOOPServer {
	t.Helper()
	m := &MockSOOPServer{frames: make(chan []byte, 64)}
	m.Server = httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		m.mu.Lock()
		m.conns++
		m.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var msg []byte
				if err := websocket.Message.Receive(conn, &msg); err != nil {
					return
				}
				m.mu.Lock()
				m.received = append(m.received, msg)
				m.mu.Unlock()
			}
		}()
		for {
			select {
			case f := <-m.frames:
				if f == nil {
					_ = conn.Close()
					<-done
					return
				}
				if err := websocket.Message.Send(conn, f); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(m.Close)
	return m
}

// URL returns the ws:// address of the server.
func (m *MockSOOPServer) URL() string {
	return "ws" + strings.TrimPrefix(m.Server.URL, "http")
}

// Send queues a binary frame for the connected client.
func (m *MockSOOPServer) Send(frame []byte) { m.frames <- frame }

// Drop closes the current client connection.
func (m *MockSOOPServer) Drop() { m.frames <- nil }

// Received returns the frames written by clients.
func (m *MockSOOPServer) Received() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.received...)
}

// Connections returns how many clients have connected.
func (m *MockSOOPServer) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns
}
