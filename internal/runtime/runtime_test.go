package runtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/accelerator"
	"github.com/loqalabs/loqa-cockpit/internal/bus/bustest"
	"github.com/loqalabs/loqa-cockpit/internal/capability"
	"github.com/loqalabs/loqa-cockpit/internal/command"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/features"
	"github.com/loqalabs/loqa-cockpit/internal/pipeline"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/loqalabs/loqa-cockpit/internal/recognizer"
)

type shortExtractor struct{}

func (shortExtractor) Extract(context.Context, string) ([]float32, error) {
	return make([]float32, 7), nil
}

func newRecognizerRuntime(t *testing.T, ext features.Extractor) *Runtime {
	t.Helper()
	dev, err := accelerator.New(config.AcceleratorConfig{}, bustest.Logger())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	p, err := pipeline.New(ext, dev, pipeline.WithLogger(bustest.Logger()))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	cfg := config.Default()
	r := New(cfg, bustest.Logger())
	r.pipeline = p
	r.recognizer = recognizer.NewService(context.Background(), cfg.Recognizer, time.Second, p, nil, nil, bustest.Logger())
	t.Cleanup(r.recognizer.Close)
	return r
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/recognize", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadyBeforeStart(t *testing.T) {
	r := New(config.Default(), bustest.Logger())
	h := r.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "starting") {
		t.Fatalf("unexpected readyz body %q", rec.Body.String())
	}
}

func TestRecognizeHandler(t *testing.T) {
	h := newRecognizerRuntime(t, features.NewStubExtractor()).routes()

	rec := post(t, h, `{"audio_ref":"pilot_command.wav","session_id":"flight-9"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result protocol.RecognitionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Label != command.Heading || result.SessionID != "flight-9" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRecognizeHandlerRejects(t *testing.T) {
	h := newRecognizerRuntime(t, features.NewStubExtractor()).routes()

	cases := map[string]struct {
		body string
		want int
	}{
		"bad json":       {`{"audio_ref":`, http.StatusBadRequest},
		"no audio ref":   {`{"audio_ref":"  "}`, http.StatusBadRequest},
		"misnamed field": {`{"audio":"x.wav"}`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if rec := post(t, h, tc.body); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/recognize", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRecognizeHandlerDimensionMismatch(t *testing.T) {
	h := newRecognizerRuntime(t, shortExtractor{}).routes()

	rec := post(t, h, `{"audio_ref":"pilot_command.wav"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var result protocol.RecognitionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Label != "" || result.Error == "" {
		t.Fatalf("expected error result, got %+v", result)
	}
}

func TestRecognizeHandlerUnavailable(t *testing.T) {
	h := New(config.Default(), bustest.Logger()).routes()
	if rec := post(t, h, `{"audio_ref":"a.wav"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.Node.HeartbeatInterval = 50
	cfg.Node.HeartbeatTimeout = 1000
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Recognizer.SpoolDir = dir
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestStartServesAndShutsDown(t *testing.T) {
	r := New(testConfig(t), bustest.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for !r.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}
	base := "http://" + r.Addr()

	for {
		code, _ := get(t, base+"/readyz")
		if code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("readyz still %d", code)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Post(base+"/v1/recognize", "application/json", strings.NewReader(`{"audio_ref":"pilot_command.wav"}`))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	var result protocol.RecognitionResult
	err = json.NewDecoder(resp.Body).Decode(&result)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if resp.StatusCode != http.StatusOK || result.Label != command.Heading {
		t.Fatalf("unexpected recognition %d %+v", resp.StatusCode, result)
	}

	code, body := get(t, base+"/v1/accelerators?backend=simulated")
	if code != http.StatusOK {
		t.Fatalf("accelerators returned %d", code)
	}
	var nodes []capability.NodeInfo
	if err := json.Unmarshal([]byte(body), &nodes); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "cockpit-node-1" || nodes[0].Device.ID != "fpga0" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	if code, body := get(t, base+"/v1/accelerators?backend=software"); code != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Fatalf("expected empty filtered list, got %d %s", code, body)
	}

	code, body = get(t, base+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics returned %d", code)
	}
	if !strings.Contains(body, "cockpit_pipeline_recognitions") {
		t.Fatal("expected pipeline recognition metric to be exported")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
		done <- nil
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not shut down")
	}
}

func TestStartFailsOnBadFeatures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Features.Mode = "exec"
	cfg.Features.Command = `"unterminated`
	r := New(cfg, bustest.Logger())
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected start error for unparsable extractor command")
	}
}
