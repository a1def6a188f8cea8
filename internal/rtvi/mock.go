package rtvi

import (
	"context"
	"sync"
)

// MockClient is an in-process client for tests and offline runs. It connects
// immediately and lets callers inject events.
type MockClient struct {
	mu          sync.Mutex
	handler     Handler
	connected   bool
	creds       Credentials
	connects    int
	disconnects int

	// ConnectErr, when set, is returned by Connect instead of connecting.
	ConnectErr error
}

func NewMockClient() *MockClient { return &MockClient{} }

func (m *MockClient) Connect(_ context.Context, creds Credentials, h Handler) error {
	m.mu.Lock()
	m.connects++
	if m.ConnectErr != nil {
		err := m.ConnectErr
		m.mu.Unlock()
		return err
	}
	m.handler = h
	m.connected = true
	m.creds = creds
	m.mu.Unlock()

	h.OnConnected()
	return nil
}

func (m *MockClient) Disconnect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	m.connected = false
	return nil
}

func (m *MockClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

func (m *MockClient) Calls() (connects, disconnects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects
}

// Emit runs fn against the connected handler, if any.
func (m *MockClient) Emit(fn func(Handler)) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		fn(h)
	}
}

// Drop simulates the remote side closing the transport.
func (m *MockClient) Drop() {
	m.mu.Lock()
	h := m.handler
	m.connected = false
	m.mu.Unlock()
	if h != nil {
		h.OnDisconnected()
	}
}
