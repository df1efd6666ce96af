package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{SessionOpened, "session_opened"},
		{SessionResumed, "session_resumed"},
		{BytesSent, "bytes_sent"},
		{ResyncTriggered, "resync_triggered"},
		{RateLimited, "rate_limited"},
		{OutboundDropped, "outbound_dropped"},
		{Kind(0), "unknown"},
		{Kind(200), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestCountersAndCombine(t *testing.T) {
	var a, b Counters
	sink := Combine(nil, &a, &b)

	sink.Emit(NewEvent(BytesSent, "s1", 100))
	sink.Emit(NewEvent(BytesSent, "s1", 50))
	sink.Emit(NewEvent(SessionOpened, "s1", 1))
	sink.Emit(Event{Kind: Kind(250), Value: 7})

	assert.Equal(t, int64(150), a.Get(BytesSent))
	assert.Equal(t, int64(150), b.Get(BytesSent))
	assert.Equal(t, int64(0), a.Get(Kind(250)))
	assert.Equal(t, map[string]int64{"bytes_sent": 150, "session_opened": 1}, a.Snapshot())

	_, isNop := Combine().(Nop)
	assert.True(t, isNop)
	assert.Same(t, &a, Combine(nil, &a))
}

func TestCountersConcurrent(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Emit(NewEvent(BytesReceived, "", 1))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8000), c.Get(BytesReceived))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Log{Logger: logger}.Emit(Event{Kind: InboundDropped, SessionID: "abc", Value: 3})

	out := buf.String()
	assert.Contains(t, out, "kind=inbound_dropped")
	assert.Contains(t, out, "session_id=abc")
	assert.Contains(t, out, "value=3")
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(WithRegistry(reg), WithNamespace("test"), WithConstLabels(prometheus.Labels{"node": "a"}))

	p.Emit(NewEvent(SessionOpened, "s1", 1))
	p.Emit(NewEvent(SessionOpened, "s2", 1))
	p.Emit(NewEvent(SessionClosed, "s1", 1))
	p.Emit(Event{Kind: BytesSent, Transport: "websocket", Value: 42})
	p.Emit(Event{Kind: BytesReceived, Transport: "stream", Value: 8})
	p.Emit(NewEvent(ResyncTriggered, "s2", 1))
	p.Emit(NewEvent(InboundDropped, "s2", 5))
	p.Emit(NewEvent(DecodeError, "s2", 1))
	p.Emit(NewEvent(RateLimited, "", 1))
	p.Emit(NewEvent(OutboundDropped, "s2", 3))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.activeSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.sessionsTotal.WithLabelValues("opened")))
	assert.Equal(t, 42.0, testutil.ToFloat64(p.bytesTotal.WithLabelValues("out", "websocket")))
	assert.Equal(t, 8.0, testutil.ToFloat64(p.bytesTotal.WithLabelValues("in", "stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.resyncsTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(p.droppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.rateLimited))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.outDropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_active_sessions")
	assert.Contains(t, names, "test_bytes_total")
}

type recordingTracer struct {
	noop.Tracer
	mu    *sync.Mutex
	names *[]string
}

func (r recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	*r.names = append(*r.names, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

type recordingProvider struct {
	noop.TracerProvider
	tracer recordingTracer
	scope  string
}

func (p *recordingProvider) Tracer(name string, _ ...trace.TracerOption) trace.Tracer {
	p.scope = name
	return p.tracer
}

func TestTracingSink(t *testing.T) {
	var names []string
	tp := &recordingProvider{tracer: recordingTracer{mu: &sync.Mutex{}, names: &names}}
	s := NewTracing(WithTracerProvider(tp), WithTracerName("tether-test"))

	s.Emit(NewEvent(BytesSent, "s1", 10))
	s.Emit(NewEvent(ResyncTriggered, "s1", 1))
	s.Emit(NewEvent(DecodeError, "s1", 1))

	assert.Equal(t, "tether-test", tp.scope)
	assert.Equal(t, []string{"tether.resync_triggered", "tether.decode_error"}, names)
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	messages [][]byte
	block    chan struct{}
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message.([]byte))
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	cmd.SetVal(1)
	return cmd
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	s := NewRedis(pub, RedisConfig{Channel: "events"})

	at := time.UnixMilli(1_700_000_000_000)
	s.Emit(Event{Kind: SessionOpened, SessionID: "s1", Transport: "stream", Value: 1, Time: at})
	s.Emit(Event{Kind: BytesSent, SessionID: "s1", Value: 64, Time: at})
	s.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.messages, 2)
	assert.Equal(t, []string{"events", "events"}, pub.channels)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.messages[0], &got))
	assert.Equal(t, "session_opened", got["kind"])
	assert.Equal(t, "s1", got["session_id"])
	assert.Equal(t, "stream", got["transport"])
	assert.Equal(t, float64(1_700_000_000_000), got["time_ms"])
	assert.Equal(t, int64(0), s.Dropped())
	assert.Equal(t, int64(0), s.Failed())
}

func TestRedisSinkDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	s := NewRedis(pub, RedisConfig{Buffer: 2})

	// The worker may hold one event while blocked, so at most 3 are accepted.
	for i := 0; i < 10; i++ {
		s.Emit(NewEvent(BytesSent, "s", 1))
	}
	assert.GreaterOrEqual(t, s.Dropped(), int64(7))

	close(pub.block)
	s.Close()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, int64(10), s.Dropped()+int64(len(pub.messages)))
}
