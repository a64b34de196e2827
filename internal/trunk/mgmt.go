package trunk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// mgmtPort is the fixed port the trunk-management agent listens on, on each
// PBX host.
const mgmtPort = 56201

const mgmtTimeout = 10 * time.Second

// AddTrunkRequest is the payload forwarded to the management agent's
// add-trunk endpoint.
type AddTrunkRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Type     string `json:"type"`
}

// MgmtResponse is one management agent reply, carried back whole so the
// caller can relay it.
type MgmtResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Manager proxies trunk provisioning calls to the management agent running
// next to the PBX. Upstream status, content type and body are relayed
// verbatim to the caller.
type Manager struct {
	client *http.Client
	logger *slog.Logger
	port   int
}

// NewManager creates a trunk management proxy client.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		client: &http.Client{Timeout: mgmtTimeout},
		logger: logger.With("subsystem", "trunk-mgmt"),
		port:   mgmtPort,
	}
}

// AddTrunk provisions a trunk on the management agent at ipServer and
// returns the upstream reply.
func (m *Manager) AddTrunk(ctx context.Context, ipServer string, req AddTrunkRequest) (MgmtResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return MgmtResponse{}, fmt.Errorf("trunk-mgmt: marshalling request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/add-trunk", ipServer, m.port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return MgmtResponse{}, fmt.Errorf("trunk-mgmt: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return m.do(httpReq, "add-trunk")
}

// DeleteTrunk removes a trunk on the management agent at ipServer and
// returns the upstream reply.
func (m *Manager) DeleteTrunk(ctx context.Context, ipServer, trunkID string) (MgmtResponse, error) {
	url := fmt.Sprintf("http://%s:%d/delete-trunk/%s", ipServer, m.port, trunkID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return MgmtResponse{}, fmt.Errorf("trunk-mgmt: creating request: %w", err)
	}

	return m.do(httpReq, "delete-trunk")
}

func (m *Manager) do(req *http.Request, op string) (MgmtResponse, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return MgmtResponse{}, fmt.Errorf("trunk-mgmt: %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return MgmtResponse{}, fmt.Errorf("trunk-mgmt: %s: reading response: %w", op, err)
	}

	m.logger.Debug("management agent call completed",
		"op", op,
		"url", req.URL.String(),
		"status", resp.StatusCode,
	)
	return MgmtResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
