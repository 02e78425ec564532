// Command dispatchdemo runs a vector addition on the configured backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/dispatch"
	_ "github.com/gogpu/dispatch/backend/native"
	"github.com/gogpu/dispatch/backend/software"
	"github.com/gogpu/dispatch/config"
	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/dispatch/kernel"
)

const vectorAdd = `
struct Params {
    n: u32,
}

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> c: array<f32>;
@group(1) @binding(0) var<uniform> params: Params;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.n) {
        return;
    }
    c[i] = a[i] + b[i];
}
`

// vectorAddHost is the software implementation of vectorAdd.
func vectorAddHost(inv software.Invocation, b software.Bindings) {
	i := int(inv.GlobalID[0])
	if uint32(i) >= software.LoadU32(b.Buffer(1, 0), 0) {
		return
	}
	sum := software.LoadF32(b.Buffer(0, 0), i) + software.LoadF32(b.Buffer(0, 1), i)
	software.StoreF32(b.Buffer(0, 2), i, sum)
}

func main() {
	var (
		configPath = flag.String("config", "", "engine profile (YAML)")
		n          = flag.Int("n", 1<<16, "vector length")
		verbose    = flag.Bool("v", false, "debug logging")
		metrics    = flag.Bool("metrics", false, "print queue metrics")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	dispatch.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			log.Fatalf("Failed to load profile: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	dev, err := cfg.Acquire(dispatch.WithMetrics(reg))
	if err != nil {
		log.Fatalf("Failed to acquire device: %v", err)
	}
	defer dev.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	elapsed, err := run(ctx, dev, *n)
	if err != nil {
		log.Fatalf("Vector add failed: %v", err)
	}
	log.Printf("Added %d floats on %s in %v\n", *n, dev.Adapter().Info().Name, elapsed)

	if *metrics {
		printMetrics(reg)
	}
}

func run(ctx context.Context, dev *dispatch.Device, n int) (time.Duration, error) {
	k, err := kernel.CompileWGSL("vector_add", vectorAdd, software.Host(vectorAddHost))
	if err != nil {
		return 0, err
	}
	layout := dispatch.LayoutFor(k)
	pipe, err := dev.BuildPipeline(k, layout, "main")
	if err != nil {
		return 0, err
	}
	defer func() { _ = dev.ReleasePipeline(pipe) }()

	size := uint64(n * 4)
	a, b := make([]byte, size), make([]byte, size)
	for i := range n {
		software.StoreF32(a, i, float32(i))
		software.StoreF32(b, i, float32(2*i))
	}

	var bufs [3]gpucore.BufferID
	for i := range bufs {
		if bufs[i], err = dev.CreateBuffer(size, gpucore.UsageStorage); err != nil {
			return 0, err
		}
	}
	params, err := dev.CreateBuffer(16, gpucore.UsageUniform)
	if err != nil {
		return 0, err
	}
	if err := dev.WriteBuffer(bufs[0], 0, a); err != nil {
		return 0, err
	}
	if err := dev.WriteBuffer(bufs[1], 0, b); err != nil {
		return 0, err
	}
	p := make([]byte, 16)
	software.StoreU32(p, 0, uint32(n))
	if err := dev.WriteBuffer(params, 0, p); err != nil {
		return 0, err
	}

	data, err := dev.CreateBindingGroup(layout.Group(0), dispatch.Bind(0, bufs[0]), dispatch.Bind(1, bufs[1]), dispatch.Bind(2, bufs[2]))
	if err != nil {
		return 0, err
	}
	uniforms, err := dev.CreateBindingGroup(layout.Group(1), dispatch.Bind(0, params))
	if err != nil {
		return 0, err
	}

	enc := dev.BeginEncoding("vector_add")
	if err := enc.BindPipeline(pipe); err != nil {
		return 0, err
	}
	if err := enc.BindGroup(0, data); err != nil {
		return 0, err
	}
	if err := enc.BindGroup(1, uniforms); err != nil {
		return 0, err
	}
	if _, err := enc.DispatchWork([3]uint32{uint32(n), 1, 1}); err != nil {
		return 0, err
	}
	cb, err := enc.Finish()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	done, err := dev.Submit(cb)
	if err != nil {
		return 0, err
	}
	if err := done.Wait(ctx); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)

	out, err := dev.ReadBuffer(ctx, bufs[2], 0, size)
	if err != nil {
		return 0, err
	}
	for i := range n {
		if got, want := software.LoadF32(out, i), float32(3*i); math.Abs(float64(got-want)) > 1e-3 {
			return 0, fmt.Errorf("c[%d] = %v, want %v", i, got, want)
		}
	}
	return elapsed, nil
}

func printMetrics(g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		log.Printf("Failed to gather metrics: %v", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				fmt.Printf("%s %v\n", mf.GetName(), m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Printf("%s %v\n", mf.GetName(), m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				fmt.Printf("%s_count %d\n", mf.GetName(), m.GetHistogram().GetSampleCount())
			}
		}
	}
}
