package recognizer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-cockpit/internal/accelerator"
	"github.com/loqalabs/loqa-cockpit/internal/bus"
	"github.com/loqalabs/loqa-cockpit/internal/bus/bustest"
	"github.com/loqalabs/loqa-cockpit/internal/command"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
	"github.com/loqalabs/loqa-cockpit/internal/eventstore"
	"github.com/loqalabs/loqa-cockpit/internal/features"
	"github.com/loqalabs/loqa-cockpit/internal/pipeline"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/nats-io/nats.go"
)

// wavCheckingExtractor decodes the spooled file before returning stub features.
type wavCheckingExtractor struct {
	sampleRate int
	seen       *string
}

func (w wavCheckingExtractor) Extract(ctx context.Context, ref string) ([]float32, error) {
	*w.seen = ref
	f, err := os.Open(ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, errors.New("spooled file is not a valid wav")
	}
	if int(dec.SampleRate) != w.sampleRate {
		return nil, errors.New("unexpected sample rate")
	}
	return features.NewStubExtractor().Extract(ctx, ref)
}

type shortExtractor struct{}

func (shortExtractor) Extract(context.Context, string) ([]float32, error) {
	return make([]float32, 12), nil
}

func newPipeline(t *testing.T, ext features.Extractor) *pipeline.Pipeline {
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
	return p
}

func newStore(t *testing.T) *eventstore.Store {
	t.Helper()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, bustest.Logger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func recognizerConfig(t *testing.T) config.RecognizerConfig {
	return config.RecognizerConfig{Enabled: true, SpoolDir: t.TempDir(), SampleRate: 16000, Channels: 1}
}

func newService(t *testing.T, ext features.Extractor, client *bus.Client, store *eventstore.Store) *Service {
	t.Helper()
	svc := NewService(context.Background(), recognizerConfig(t), time.Second, newPipeline(t, ext), client, store, bustest.Logger())
	t.Cleanup(svc.Close)
	return svc
}

func TestRecognizeAudioRef(t *testing.T) {
	store := newStore(t)
	svc := newService(t, features.NewStubExtractor(), nil, store)

	result, err := svc.Recognize(context.Background(), protocol.RecognitionRequest{SessionID: "flight-1", AudioRef: "pilot_command.wav"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Label != command.Heading || result.Index != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.RequestID == "" {
		t.Fatal("expected generated request id")
	}
	if result.Backend != accelerator.BackendSimulated {
		t.Fatalf("unexpected backend %s", result.Backend)
	}

	recs, err := store.ListSessionRecognitions(context.Background(), "flight-1", 10)
	if err != nil {
		t.Fatalf("list recognitions: %v", err)
	}
	if len(recs) != 1 || recs[0].Label != command.Heading || recs[0].AudioRef != "pilot_command.wav" {
		t.Fatalf("unexpected recorded recognitions %+v", recs)
	}
}

func TestRecognizeSpoolsPCM(t *testing.T) {
	var seen string
	svc := newService(t, wavCheckingExtractor{sampleRate: 8000, seen: &seen}, nil, nil)

	pcm := make([]byte, 320)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*100)))
	}
	result, _ := svc.Recognize(context.Background(), protocol.RecognitionRequest{PCM: pcm, SampleRate: 8000, Channels: 1})
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Label != command.Heading {
		t.Fatalf("expected %s, got %s", command.Heading, result.Label)
	}
	if seen == "" {
		t.Fatal("extractor never saw the spooled file")
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("expected spooled file removed, stat err=%v", err)
	}
}

func TestRecognizeRejectsOddPCM(t *testing.T) {
	svc := newService(t, features.NewStubExtractor(), nil, nil)
	result, _ := svc.Recognize(context.Background(), protocol.RecognitionRequest{PCM: []byte{1, 2, 3}})
	if result.Error == "" || result.Label != "" {
		t.Fatalf("expected failure for misaligned pcm, got %+v", result)
	}
}

func TestRecognizeWithoutAudio(t *testing.T) {
	svc := newService(t, features.NewStubExtractor(), nil, nil)
	result, err := svc.Recognize(context.Background(), protocol.RecognitionRequest{RequestID: "r-1"})
	if !errors.Is(err, errdefs.ErrNoAudio) || result.Error == "" {
		t.Fatalf("expected no-audio error for empty request, got %v", err)
	}
	if result.RequestID != "r-1" || result.SessionID != "r-1" {
		t.Fatalf("unexpected ids %+v", result)
	}
}

func TestRecognizeReportsDimensionMismatch(t *testing.T) {
	store := newStore(t)
	svc := newService(t, shortExtractor{}, nil, store)
	result, err := svc.Recognize(context.Background(), protocol.RecognitionRequest{SessionID: "s", AudioRef: "a.wav"})
	if !errors.Is(err, errdefs.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if result.Error == "" || result.Label != "" || result.Index != -1 {
		t.Fatalf("expected failed result, got %+v", result)
	}
	recs, err := store.ListSessionRecognitions(context.Background(), "s", 10)
	if err != nil {
		t.Fatalf("list recognitions: %v", err)
	}
	if len(recs) != 1 || recs[0].Error == "" {
		t.Fatalf("expected recorded failure, got %+v", recs)
	}
}

func TestRecognizeRecordsReusedSessionAfterPrune(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session", MaxSessions: 1}
	store, err := eventstore.Open(context.Background(), cfg, bustest.Logger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := newService(t, features.NewStubExtractor(), nil, store)

	ctx := context.Background()
	for _, req := range []protocol.RecognitionRequest{
		{RequestID: "a-1", SessionID: "a", AudioRef: "pilot_command.wav"},
		{RequestID: "b-1", SessionID: "b", AudioRef: "pilot_command.wav"},
	} {
		if _, err := svc.Recognize(ctx, req); err != nil {
			t.Fatalf("recognize %s: %v", req.RequestID, err)
		}
	}
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := svc.Recognize(ctx, protocol.RecognitionRequest{RequestID: "a-2", SessionID: "a", AudioRef: "pilot_command.wav"}); err != nil {
		t.Fatalf("recognize a-2: %v", err)
	}

	recs, err := store.ListSessionRecognitions(ctx, "a", 10)
	if err != nil {
		t.Fatalf("list recognitions: %v", err)
	}
	if len(recs) == 0 || recs[len(recs)-1].RequestID != "a-2" {
		t.Fatalf("expected a-2 recorded for re-used session, got %+v", recs)
	}
}

func TestBusRequestReply(t *testing.T) {
	client := bustest.Connect(t)
	svc := newService(t, features.NewStubExtractor(), client, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	results := make(chan protocol.RecognitionResult, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectRecognitionResult, func(msg *nats.Msg) {
		var res protocol.RecognitionResult
		if json.Unmarshal(msg.Data, &res) == nil {
			results <- res
		}
	})
	if err != nil {
		t.Fatalf("subscribe results: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	data, _ := json.Marshal(protocol.RecognitionRequest{RequestID: "req-7", AudioRef: "pilot_command.wav"})
	reply, err := client.Conn().Request(protocol.SubjectRecognitionRequest, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var direct protocol.RecognitionResult
	if err := json.Unmarshal(reply.Data, &direct); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if direct.RequestID != "req-7" || direct.Label != command.Heading {
		t.Fatalf("unexpected reply %+v", direct)
	}

	select {
	case res := <-results:
		if res.RequestID != "req-7" {
			t.Fatalf("unexpected broadcast %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast result")
	}
}
