package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	servex "dqx0.com/go/servex"
	"dqx0.com/go/servex/internal/obs"
)

type fileConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	AccessLog   string `yaml:"access_log"`
	Forwarded   bool   `yaml:"forwarded_headers"`
	Flush       string `yaml:"flush"` // terminate | each | each-scheduled
	Compression struct {
		Enable   bool   `yaml:"enable"`
		MinBytes string `yaml:"min_bytes"`
	} `yaml:"compression"`
	Limits struct {
		HeaderLine  string `yaml:"header_line"`
		HeaderTotal string `yaml:"header_total"`
		Body        string `yaml:"body"`
	} `yaml:"limits"`
	StaticFile string `yaml:"static_file"`
}

func loadConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	err = yaml.Unmarshal(raw, &fc)
	return fc, err
}

func parseSize(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		log.Fatalf("bad size %q: %v", s, err)
	}
	return int64(n)
}

func parseFlush(s string) servex.FlushStrategy {
	switch s {
	case "each":
		return servex.FlushOnEachChunk(false)
	case "each-scheduled":
		return servex.FlushOnEachChunk(true)
	default:
		return servex.FlushOnTerminate()
	}
}

func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	flag.Parse()
	_ = godotenv.Load()

	fc, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if v := os.Getenv("SERVEX_ADDR"); v != "" {
		fc.Addr = v
	}
	if fc.Addr == "" {
		fc.Addr = ":8080"
	}

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap: %v", err)
	}
	defer zl.Sync()
	meter := obs.NewPromMeter(prometheus.DefaultRegisterer)

	var accessSink *os.File
	if fc.AccessLog != "" {
		accessSink, err = os.OpenFile(fc.AccessLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			log.Fatalf("access log: %v", err)
		}
		defer accessSink.Close()
	}

	routes := []servex.RouteEntry{
		{
			Method:  "GET",
			Pattern: "/hello",
			Handler: func(req *servex.Request, res *servex.Response) servex.ProductionSignal {
				res.SetHeader("Content-Type", "text/plain; charset=utf-8")
				return servex.SingleBuffer([]byte("Hello World!"))
			},
		},
		{
			Method:  "GET",
			Pattern: "/echo/{word}",
			Handler: func(req *servex.Request, res *servex.Response) servex.ProductionSignal {
				res.SetHeader("Content-Type", "text/plain; charset=utf-8")
				return servex.SingleBuffer([]byte(req.Param("word")))
			},
		},
		{
			Method:  "GET",
			Pattern: "/events",
			Handler: func(req *servex.Request, res *servex.Response) servex.ProductionSignal {
				res.SetHeader("Content-Type", "text/event-stream")
				res.SetFlushStrategy(servex.FlushOnEachChunk(false))
				return servex.StreamOf(func(w *servex.ChunkWriter) error {
					for i := 0; i < 5; i++ {
						if _, err := fmt.Fprintf(w, "data: %d\n\n", i); err != nil {
							return err
						}
						time.Sleep(200 * time.Millisecond)
					}
					return nil
				})
			},
		},
	}
	if fc.StaticFile != "" {
		routes = append(routes, servex.RouteEntry{Method: "GET", Pattern: "/static", File: fc.StaticFile})
	}

	cfg := servex.Config{
		Addr:                fc.Addr,
		Routes:              routes,
		Flush:               parseFlush(fc.Flush),
		ForwardedHeaders:    fc.Forwarded,
		ReadHeaderTimeout:   10 * time.Second,
		IdleTimeout:         60 * time.Second,
		MaxHeaderBytes:      int(parseSize(fc.Limits.HeaderLine)),
		MaxTotalHeaderBytes: int(parseSize(fc.Limits.HeaderTotal)),
		MaxBodyBytes:        parseSize(fc.Limits.Body),
		Compression: servex.CompressionPolicy{
			Enable:   fc.Compression.Enable,
			MinBytes: parseSize(fc.Compression.MinBytes),
		},
		Logger: obs.NewZapLogger(zl, obs.Info),
		Meter:  meter,
	}
	if accessSink != nil {
		cfg.AccessLog = accessSink
	}

	srv, err := servex.New(cfg)
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	if fc.MetricsAddr != "" {
		go func() {
			zl.Sugar().Infof("metrics on %s", fc.MetricsAddr)
			if err := http.ListenAndServe(fc.MetricsAddr, promhttp.Handler()); err != nil {
				zl.Sugar().Warnf("metrics server: %v", err)
			}
		}()
	}

	go func() {
		zl.Sugar().Infof("listening on %s", fc.Addr)
		if err := srv.ListenAndServe(); err != nil && err != servex.ErrServerClosed {
			zl.Sugar().Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zl.Sugar().Warnf("shutdown: %v", err)
	}
}
