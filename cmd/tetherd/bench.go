package main

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/tether/pkg/client"
	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/statesync"
	"github.com/vango-dev/tether/pkg/telemetry"
	"github.com/vango-dev/tether/pkg/transport"
)

// benchConfig is one resolved bench run. The named profiles fill it in
// and flags override single fields.
type benchConfig struct {
	Profile  string        `json:"profile"`
	Clients  int           `json:"clients"`
	Duration time.Duration `json:"duration_ns"`
	RPS      float64       `json:"rps_per_client"`
	Payload  int           `json:"payload_bytes"`
	MaxProcs int           `json:"max_procs,omitempty"`
	MemLimit int64         `json:"mem_limit_bytes,omitempty"`
	Tick     time.Duration `json:"tick_ns"`
	Timeout  time.Duration `json:"rtt_timeout_ns"`
	Output   string        `json:"-"`
}

var benchProfiles = map[string]benchConfig{
	"fast":     {Clients: 50, Duration: 10 * time.Second, RPS: 2, Payload: 24},
	"standard": {Clients: 200, Duration: 30 * time.Second, RPS: 5, Payload: 24},
	"stress":   {Clients: 500, Duration: time.Minute, RPS: 10, Payload: 24, MaxProcs: 4, MemLimit: 2 << 30},
}

type benchFlags struct {
	profile  string
	clients  int
	duration time.Duration
	rps      float64
	payload  int
	maxProcs int
	memLimit string
	tick     time.Duration
	output   string
}

func benchCmd() *cobra.Command {
	var f benchFlags

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure round trips through an in-process server",
		Long: `Start an in-process server and drive it with WebSocket clients.

Each client sends a Request carrying a token. The server writes the token
into that client's entity, and the round trip ends when the client's
replica shows it. A table goes to stderr and a JSON report to --json.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd.Flags().Changed)
			if err != nil {
				return err
			}
			return runBench(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.profile, "profile", "standard", "fast, standard or stress")
	flags.IntVar(&f.clients, "clients", 0, "concurrent clients")
	flags.DurationVar(&f.duration, "duration", 0, "how long to run")
	flags.Float64Var(&f.rps, "rps", 0, "requests per second per client")
	flags.IntVar(&f.payload, "payload-bytes", 0, "token bytes per request")
	flags.IntVar(&f.maxProcs, "max-procs", 0, "GOMAXPROCS, 0 leaves it alone")
	flags.StringVar(&f.memLimit, "mem-limit", "", "soft memory limit such as 2GiB")
	flags.DurationVar(&f.tick, "tick", 10*time.Millisecond, "server tick interval")
	flags.StringVar(&f.output, "json", "-", "report path, - for stdout")

	return cmd
}

// config resolves the profile and applies the flags for which changed
// reports true.
func (f benchFlags) config(changed func(name string) bool) (benchConfig, error) {
	name := strings.ToLower(strings.TrimSpace(f.profile))
	if name == "" {
		name = "standard"
	}
	cfg, ok := benchProfiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", f.profile)
	}
	cfg.Profile = name
	cfg.Tick = f.tick
	cfg.Output = cmp.Or(strings.TrimSpace(f.output), "-")

	if changed("clients") {
		cfg.Clients = f.clients
	}
	if changed("duration") {
		cfg.Duration = f.duration
	}
	if changed("rps") {
		cfg.RPS = f.rps
	}
	if changed("payload-bytes") {
		cfg.Payload = f.payload
	}
	if changed("max-procs") {
		cfg.MaxProcs = f.maxProcs
	}
	if changed("mem-limit") {
		n, err := humanize.ParseBytes(strings.TrimSpace(f.memLimit))
		if err != nil {
			return benchConfig{}, fmt.Errorf("--mem-limit: %w", err)
		}
		if n > math.MaxInt64 {
			return benchConfig{}, fmt.Errorf("--mem-limit: %s is too large", f.memLimit)
		}
		cfg.MemLimit = int64(n)
	}

	switch {
	case cfg.Clients < 1:
		return benchConfig{}, errors.New("--clients must be at least 1")
	case cfg.Duration <= 0:
		return benchConfig{}, errors.New("--duration must be positive")
	case cfg.RPS <= 0:
		return benchConfig{}, errors.New("--rps must be positive")
	case cfg.Payload < 1:
		return benchConfig{}, errors.New("--payload-bytes must be at least 1")
	case cfg.MaxProcs < 0:
		return benchConfig{}, errors.New("--max-procs cannot be negative")
	case cfg.Tick <= 0:
		return benchConfig{}, errors.New("--tick must be positive")
	}
	cfg.Timeout = roundTripTimeout(cfg.RPS)
	return cfg, nil
}

// roundTripTimeout is how long a client waits to see its own token: ten
// request periods, but never under two seconds.
func roundTripTimeout(rps float64) time.Duration {
	return max(time.Duration(10*float64(time.Second)/rps), 2*time.Second)
}

// echoHandler writes each Request's token into the sender's entity. The
// payload is the client ID as a uvarint followed by the token.
func echoHandler(world *statesync.World) server.Handler {
	return server.HandlerFunc(func(s *server.Session, m protocol.Message) {
		req, ok := m.(*protocol.Request)
		if !ok {
			return
		}
		id, n := binary.Uvarint(req.Data)
		if n <= 0 {
			return
		}
		if _, err := world.TryPublish(statesync.Set(protocol.EntityID(id+1), req.Data[n:])); err != nil {
			s.Logger().Debug("dropping bench request", "error", err)
		}
	})
}

func runBench(ctx context.Context, cfg benchConfig) error {
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
	if cfg.MemLimit > 0 {
		debug.SetMemoryLimit(cfg.MemLimit)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	world := statesync.NewWorld(statesync.DefaultRetention)
	var events telemetry.Counters

	sc := server.DefaultServerConfig()
	sc.Address = ""
	sc.Logger = quiet
	sc.Telemetry = &events
	sc.Handler = echoHandler(world)
	sc.Transport.CheckOrigin = func(*http.Request) bool { return true }
	sc.SessionConfig.InboundRate = 0
	srv := server.New(world, sc)
	defer srv.Shutdown()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	hs := &http.Server{Handler: srv.Handler()}
	go hs.Serve(ln)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()
	go func() {
		ticker := time.NewTicker(cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				srv.Tick(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	url := "ws://" + ln.Addr().String() + srv.Config().WebSocketPath
	results := make([]clientResult, cfg.Clients)

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	start := time.Now()

	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			results[i] = runClient(ctx, url, i, cfg, quiet)
			return nil
		})
	}
	g.Wait()

	elapsed := time.Since(start)
	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)

	report := newReport(cfg, elapsed, results, &events, &before, &after)
	writeSummary(os.Stderr, report)
	if err := writeReport(cfg.Output, report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// clientResult is what one bench client measured. Failure names the stage
// that stopped it early, if any.
type clientResult struct {
	rtts    []time.Duration
	sent    int
	bytes   int
	updates int64
	failure string
}

// waiter hands the token a client is waiting for to its OnState callback.
type waiter struct {
	entity protocol.EntityID
	want   atomic.Pointer[string]
	seen   chan struct{}
}

func (w *waiter) onState(_ uint64, state statesync.State) {
	want := w.want.Load()
	if want == nil {
		return
	}
	if string(state.Entities[w.entity]) == *want && w.want.CompareAndSwap(want, nil) {
		select {
		case w.seen <- struct{}{}:
		default:
		}
	}
}

func runClient(ctx context.Context, url string, id int, cfg benchConfig, logger *slog.Logger) (res clientResult) {
	conn, err := transport.DialWebSocket(ctx, url, nil, nil)
	if err != nil {
		res.failure = "dial"
		return res
	}

	var updates atomic.Int64
	defer func() { res.updates = updates.Load() }()

	w := &waiter{entity: protocol.EntityID(id + 1), seen: make(chan struct{}, 1)}
	c := client.New(client.Options{
		Logger: logger,
		OnState: func(v uint64, state statesync.State) {
			updates.Add(1)
			w.onState(v, state)
		},
	})
	c.Attach(conn)
	defer c.Close()

	if _, err := c.Handshake(ctx); err != nil {
		res.failure = "handshake"
		return res
	}
	stopped := make(chan error, 1)
	go func() { stopped <- c.Run(ctx) }()

	period := time.Duration(float64(time.Second) / cfg.RPS)
	pace := time.NewTicker(period)
	defer pace.Stop()
	prefix := binary.AppendUvarint(nil, uint64(id))

	for seq := uint64(1); ctx.Err() == nil; seq++ {
		token := makeToken(id, seq, cfg.Payload)
		w.want.Store(&token)
		data := append(slices.Clip(prefix), token...)

		sentAt := time.Now()
		if err := c.Send(ctx, &protocol.Request{Data: data}); err != nil {
			if ctx.Err() == nil {
				res.failure = "send"
			}
			return res
		}
		res.sent++
		res.bytes += len(data)

		timeout := time.NewTimer(cfg.Timeout)
		select {
		case <-w.seen:
			res.rtts = append(res.rtts, time.Since(sentAt))
		case <-stopped:
			if ctx.Err() == nil {
				res.failure = "run"
			}
		case <-timeout.C:
			res.failure = "timeout"
		case <-ctx.Done():
		}
		timeout.Stop()
		if res.failure != "" {
			return res
		}

		select {
		case <-pace.C:
		case <-ctx.Done():
		}
	}
	return res
}

// makeToken returns a payload unique to (id, seq), cut or padded to n bytes.
func makeToken(id int, seq uint64, n int) string {
	if n <= 0 {
		return ""
	}
	s := strconv.FormatUint(uint64(id), 36) + "." + strconv.FormatUint(seq, 36)
	if len(s) >= n {
		return s[len(s)-n:]
	}
	return strings.Repeat("_", n-len(s)) + s
}

// quantile returns the nearest-rank q quantile of sorted.
func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Tetherd  string             `json:"tetherd"`
	Go       string             `json:"go"`
	Platform string             `json:"platform"`
	CPUs     int                `json:"cpus"`
	Config   benchConfig        `json:"config"`
	Elapsed  float64            `json:"elapsed_s"`
	RTT      map[string]float64 `json:"rtt_ms"`
	Trips    int                `json:"round_trips"`
	PerSec   float64            `json:"round_trips_per_s"`
	Sent     int                `json:"requests_sent"`
	Bytes    int                `json:"request_bytes"`
	Updates  int64              `json:"state_updates"`
	Failures map[string]int     `json:"failures"`
	Server   map[string]int64   `json:"server_events"`
	Memory   memoryReport       `json:"memory"`
}

type memoryReport struct {
	Allocated uint64  `json:"allocated_bytes"`
	Mallocs   uint64  `json:"mallocs"`
	HeapInUse uint64  `json:"heap_in_use_bytes"`
	GCs       uint32  `json:"gc_cycles"`
	GCPause   float64 `json:"gc_pause_ms"`
	GCCPU     float64 `json:"gc_cpu_fraction"`
}

var rttQuantiles = []struct {
	name string
	q    float64
}{
	{"min", 0}, {"p50", 0.5}, {"p90", 0.9}, {"p99", 0.99}, {"max", 1},
}

func newReport(cfg benchConfig, elapsed time.Duration, results []clientResult, events *telemetry.Counters, before, after *runtime.MemStats) benchReport {
	r := benchReport{
		Tetherd:  version,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		CPUs:     runtime.NumCPU(),
		Config:   cfg,
		Elapsed:  elapsed.Seconds(),
		Failures: map[string]int{},
		Server:   events.Snapshot(),
		Memory: memoryReport{
			Allocated: after.TotalAlloc - before.TotalAlloc,
			Mallocs:   after.Mallocs - before.Mallocs,
			HeapInUse: after.HeapInuse,
			GCs:       after.NumGC - before.NumGC,
			GCPause:   millis(time.Duration(after.PauseTotalNs - before.PauseTotalNs)),
			GCCPU:     after.GCCPUFraction,
		},
	}

	var rtts []time.Duration
	for _, res := range results {
		rtts = append(rtts, res.rtts...)
		r.Sent += res.sent
		r.Bytes += res.bytes
		r.Updates += res.updates
		if res.failure != "" {
			r.Failures[res.failure]++
		}
	}
	slices.Sort(rtts)
	r.Trips = len(rtts)
	if elapsed > 0 {
		r.PerSec = float64(r.Trips) / elapsed.Seconds()
	}
	if len(rtts) > 0 {
		r.RTT = make(map[string]float64, len(rttQuantiles))
		for _, q := range rttQuantiles {
			r.RTT[q.name] = millis(quantile(rtts, q.q))
		}
	}
	return r
}

func writeSummary(w io.Writer, r benchReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	cfg := r.Config
	fmt.Fprintf(tw, "tetherd bench\t%s profile, %d clients x %.3g req/s for %s\n", cfg.Profile, cfg.Clients, cfg.RPS, cfg.Duration)
	fmt.Fprintf(tw, "payload\t%s, tick %s\n", humanize.Bytes(uint64(cfg.Payload)), cfg.Tick)
	if cfg.MaxProcs > 0 || cfg.MemLimit > 0 {
		fmt.Fprintf(tw, "limits\tGOMAXPROCS=%d GOMEMLIMIT=%s\n", cfg.MaxProcs, humanize.IBytes(uint64(cfg.MemLimit)))
	}

	fmt.Fprintf(tw, "round trips\t%d (%.1f/s)\n", r.Trips, r.PerSec)
	if len(r.RTT) == 0 {
		fmt.Fprintln(tw, "rtt\tno samples")
	} else {
		for _, q := range rttQuantiles {
			fmt.Fprintf(tw, "rtt %s\t%.2f ms\n", q.name, r.RTT[q.name])
		}
	}
	fmt.Fprintf(tw, "state updates\t%d\n", r.Updates)
	if out := r.Server[telemetry.BytesSent.String()]; out > 0 && r.Trips > 0 {
		fmt.Fprintf(tw, "server out per trip\t%s\n", humanize.Bytes(uint64(out)/uint64(r.Trips)))
	}
	for _, stage := range slices.Sorted(maps.Keys(r.Failures)) {
		fmt.Fprintf(tw, "failed at %s\t%d clients\n", stage, r.Failures[stage])
	}

	m := r.Memory
	fmt.Fprintf(tw, "allocated\t%s in %s objects\n", humanize.IBytes(m.Allocated), humanize.Comma(int64(m.Mallocs)))
	fmt.Fprintf(tw, "gc\t%d cycles, %.2f ms paused, %.2f%% cpu\n", m.GCs, m.GCPause, m.GCCPU*100)
}

func writeReport(path string, r benchReport) error {
	out := io.Writer(os.Stdout)
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
