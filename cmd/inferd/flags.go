package main

import (
	"strings"

	"github.com/spf13/pflag"

	"inferd/internal/config"
)

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// serveFlags mirrors the config keys that can be set on the command line.
type serveFlags struct {
	addr, modelsDir, model, gateway string
	maxLoaded                       int
	nCtx, nGPULayers, nPredict      int
	threads                         int
	sampler                         string

	edge                   bool
	deviceID, advertise    string
	consulAddr             string
	redisAddr, corsOrigins string
	httpLog                string
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	d := config.Default()
	fs.StringVar(&f.addr, "addr", d.Addr, "HTTP listen address (defaults INFERD_ADDR or :8080)")
	fs.StringVar(&f.modelsDir, "models-dir", d.ModelsDir, "Directory scanned for *.gguf files; fetched models land here")
	fs.StringVarP(&f.model, "model", "m", "", "Default model: registry id, file path or content hash")
	fs.StringVar(&f.gateway, "gateway", "", "IPFS gateway base URL for content-hash models")
	fs.IntVar(&f.maxLoaded, "max-loaded", d.Cache.MaxLoaded, "Maximum resident models (0 = unbounded)")
	fs.IntVar(&f.nCtx, "n-ctx", d.Inference.CtxSize, "Context window in tokens")
	fs.IntVar(&f.nGPULayers, "n-gpu-layers", d.Inference.GPULayers, "Layers offloaded to the GPU")
	fs.IntVar(&f.nPredict, "n-predict", d.Inference.NPredict, "Default maximum generated tokens")
	fs.IntVar(&f.threads, "threads", d.Inference.Threads, "CPU threads per model")
	fs.StringVar(&f.sampler, "sampler", d.Inference.Sampler, "Sampler: greedy|stochastic")
	fs.BoolVar(&f.edge, "edge", false, "Enable edge distribution")
	fs.StringVar(&f.deviceID, "device-id", "", "Id of this node's device")
	fs.StringVar(&f.advertise, "advertise", "", "Base URL peers use to reach this node")
	fs.StringVar(&f.consulAddr, "consul", "", "Consul agent address for peer discovery")
	fs.StringVar(&f.redisAddr, "redis", "", "Redis address for response publication")
	fs.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins (enables CORS)")
	fs.StringVar(&f.httpLog, "http-log", "", "Per-request log level of generation endpoints: off|error|info|debug")
}

// apply copies flags the user set explicitly over cfg.
func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("addr", func() { cfg.Addr = f.addr })
	set("models-dir", func() { cfg.ModelsDir = f.modelsDir })
	set("model", func() { cfg.Model = f.model })
	set("gateway", func() { cfg.Gateway = f.gateway })
	set("max-loaded", func() { cfg.Cache.MaxLoaded = f.maxLoaded })
	set("n-ctx", func() { cfg.Inference.CtxSize = f.nCtx })
	set("n-gpu-layers", func() { cfg.Inference.GPULayers = f.nGPULayers })
	set("n-predict", func() { cfg.Inference.NPredict = f.nPredict })
	set("threads", func() { cfg.Inference.Threads = f.threads })
	set("sampler", func() { cfg.Inference.Sampler = f.sampler })
	set("edge", func() { cfg.Edge.Enabled = f.edge })
	set("device-id", func() { cfg.Edge.DeviceID = f.deviceID })
	set("advertise", func() { cfg.Edge.AdvertiseAddr = f.advertise })
	set("consul", func() { cfg.Edge.Consul.Addr = f.consulAddr })
	set("redis", func() { cfg.Redis.Addr = f.redisAddr })
	set("cors-origins", func() {
		cfg.CORS.Enabled = true
		cfg.CORS.Origins = splitCSV(f.corsOrigins)
	})
	set("http-log", func() { cfg.HTTPLog = f.httpLog })
}
