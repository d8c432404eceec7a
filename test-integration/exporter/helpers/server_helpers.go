package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onsi/gomega"

	v1 "github.com/stacklok/toolhive-state-exporter/internal/api/v1"
	"github.com/stacklok/toolhive-state-exporter/internal/app"
	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
)

// ServerTestHelper manages the exporter server lifecycle for testing
type ServerTestHelper struct {
	ctx        context.Context
	configPath string
	baseURL    string
	httpClient *http.Client
	app        *app.ExporterApp
	dataDir    string
	serveErr   chan error
}

// NewServerTestHelper creates a new server test helper
func NewServerTestHelper(ctx context.Context, configPath, dataDir string) *ServerTestHelper {
	return &ServerTestHelper{
		ctx:        ctx,
		configPath: configPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dataDir:    dataDir,
	}
}

// StartServer builds the app, which runs the first refresh of every
// exporter, and serves it on a random local port
func (s *ServerTestHelper) StartServer() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	exporterApp, err := app.NewExporterApp(s.ctx,
		app.WithConfig(cfg),
		app.WithAddress("127.0.0.1:0"),
		app.WithDataDirectory(s.dataDir),
	)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = exporterApp.Stop(time.Second)
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.app = exporterApp
	s.baseURL = "http://" + l.Addr().String()
	s.serveErr = make(chan error, 1)
	go func() {
		s.serveErr <- exporterApp.Serve(l)
	}()
	return nil
}

// StopServer gracefully stops the server and waits for it to return
func (s *ServerTestHelper) StopServer() error {
	if s.app == nil {
		return nil
	}
	if err := s.app.Stop(5 * time.Second); err != nil {
		return err
	}
	return <-s.serveErr
}

// App returns the running app
func (s *ServerTestHelper) App() *app.ExporterApp {
	return s.app
}

// WaitForServerReady waits until /readiness reports every exporter ready
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/readiness")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 100*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// GetSnapshot fetches the published snapshot of an exporter
func (s *ServerTestHelper) GetSnapshot(exporter string) (*record.Snapshot, int, error) {
	var snap record.Snapshot
	status, err := s.getJSON(fmt.Sprintf("/v1/exporters/%s/snapshot", exporter), &snap)
	return &snap, status, err
}

// GetSensors fetches the sensors of an exporter
func (s *ServerTestHelper) GetSensors(exporter string) (*v1.SensorsResponse, error) {
	var resp v1.SensorsResponse
	if _, err := s.getJSON(fmt.Sprintf("/v1/exporters/%s/sensors", exporter), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetExporter fetches the status summary of an exporter
func (s *ServerTestHelper) GetExporter(exporter string) (*v1.ExporterSummary, error) {
	var resp v1.ExporterSummary
	if _, err := s.getJSON("/v1/exporters/"+exporter, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh queues a refresh through the API
func (s *ServerTestHelper) Refresh(exporter string) (*http.Response, error) {
	return s.httpClient.Post(fmt.Sprintf("%s/v1/exporters/%s/refresh", s.baseURL, exporter), "application/json", nil)
}

// GetBaseURL returns the base URL of the server
func (s *ServerTestHelper) GetBaseURL() string {
	return s.baseURL
}

func (s *ServerTestHelper) getJSON(path string, out any) (int, error) {
	resp, err := s.httpClient.Get(s.baseURL + path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

// ExporterSpec describes one exporter in a generated configuration
type ExporterSpec struct {
	Name        string
	RemoteURL   string
	APIKey      string
	SourceURL   string
	SourceToken string
	Items       []string
}

// WriteConfigYAML writes a configuration with Supabase remotes and Home
// Assistant sources and returns its path
func WriteConfigYAML(dir string, specs ...ExporterSpec) string {
	var b strings.Builder
	b.WriteString("exporters:\n")
	for _, e := range specs {
		fmt.Fprintf(&b, `  - name: %s
    remote:
      type: postgrest
      url: %s
      apiKey: %s
    source:
      type: homeassistant
      url: %s
      token: %s
    syncPolicy:
      interval: 1h
    items: [%s]
`, e.Name, e.RemoteURL, e.APIKey, e.SourceURL, e.SourceToken, strings.Join(e.Items, ", "))
	}

	path := filepath.Join(dir, "config.yaml")
	gomega.Expect(os.WriteFile(path, []byte(b.String()), 0600)).To(gomega.Succeed())
	return path
}
