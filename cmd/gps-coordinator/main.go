package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/example/gps/internal/bootstrap"
	"github.com/example/gps/internal/coordinator"
	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/procstat"
	"github.com/example/gps/internal/scenario"
	"github.com/example/gps/internal/space"
	"github.com/example/gps/internal/trace"
	"github.com/example/gps/pkg/gpsapi"
	"github.com/example/gps/worker"
)

func main() {
	scenarioPath := flag.String("scenario", "scenario.yaml", "scenario file")
	addr := flag.String("addr", ":8090", "status server address; empty disables it")
	localWorkers := flag.Int("local-workers", 0, "workers to run inside this process")
	verbose := flag.Bool("verbose", strings.EqualFold(os.Getenv("GPS_VERBOSE"), "true"), "log every visit and queued batch")
	flag.Parse()
	log.SetPrefix("gps-coordinator ")

	sc, err := scenario.Load(*scenarioPath)
	if err != nil {
		log.Fatalf("load scenario: %v", err)
	}
	if (sc.Store.Backend == "" || sc.Store.Backend == "memory") && *localWorkers == 0 {
		log.Printf("warning: store backend is memory and -local-workers is 0, so no worker can reach this run")
	}

	traceCfg, err := observability.TracingConfigFromEnv()
	if err != nil {
		log.Fatalf("tracing config: %v", err)
	}
	shutdownTrace, err := observability.InitTracing(context.Background(), "gps-coordinator", sc.Name, traceCfg)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	sp, err := space.LoadFile(sc.Path(sc.ParamFile))
	if err != nil {
		log.Fatalf("load parameter file: %v", err)
	}
	instances, err := sc.Instances()
	if err != nil {
		log.Fatalf("load instances: %v", err)
	}
	client, err := bootstrap.OpenClient(sc)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer client.Store().Close()

	outDir := sc.Path(sc.OutputDir)
	writer, err := trace.NewWriter(outDir)
	if err != nil {
		log.Fatalf("open output dir: %v", err)
	}
	meter, err := procstat.NewMeter()
	if err != nil {
		log.Printf("coordinator CPU accounting disabled: %v", err)
		meter = nil
	}
	engine, err := coordinator.New(sc, sp, client, instances, coordinator.Options{Writer: writer, Meter: meter, Verbose: *verbose})
	if err != nil {
		log.Fatalf("create coordinator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if *addr != "" {
		h, err := coordinator.NewStatusHandler(engine, client, observability.Default)
		if err != nil {
			log.Fatalf("status handler: %v", err)
		}
		srv = &http.Server{Addr: *addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status server failed: %v", err)
			}
		}()
	}

	var (
		inc    gpsapi.Config
		runErr error
		wg     sync.WaitGroup
	)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		inc, runErr = engine.Run(ctx)
	}()
	select {
	case <-engine.Started():
		for i := 0; i < *localWorkers; i++ {
			id := fmt.Sprintf("local-%d", i+1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := worker.RunLocal(ctx, id, sc, client); err != nil {
					log.Printf("worker %s stopped with error: %v", id, err)
				}
			}()
		}
	case <-runDone:
	}
	<-runDone
	wg.Wait()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	if sc.Artifacts.Endpoint != "" {
		uploadCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := trace.Upload(uploadCtx, trace.UploadConfig{
			Endpoint:  sc.Artifacts.Endpoint,
			AccessKey: sc.Artifacts.AccessKey,
			SecretKey: sc.Artifacts.SecretKey,
			Bucket:    sc.Artifacts.Bucket,
			UseSSL:    sc.Artifacts.UseSSL,
		}, sc.Name+"/"+engine.Epoch(), outDir)
		cancel()
		if err != nil {
			log.Printf("upload traces failed: %v", err)
		}
	}
	if runErr != nil {
		log.Fatalf("run failed: %v", runErr)
	}
	fmt.Println(strings.Join(inc.Args(), " "))
}
