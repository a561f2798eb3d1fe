package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NamanBalaji/ds3bulk/internal/config"
	"github.com/NamanBalaji/ds3bulk/internal/logger"
	"github.com/NamanBalaji/ds3bulk/pkg/bulk"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3/blobstore"
)

const usage = `usage: ds3bulk [flags] <command> [args]

commands:
  put <bucket> <dir>        upload every file under dir
  get <bucket> <dir>        download every object of bucket into dir
  resume <job-id> <dir>     continue an interrupted put or get
  status                    list recorded jobs
`

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	configPath := flag.String("config", "", "Path to the configuration file")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v\n", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		log.Fatalf("Error creating log directory: %v\n", err)
	}

	if err := logger.InitLogging(*debug, cfg.LogFile); err != nil {
		log.Fatalf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0o755); err != nil {
		log.Fatalf("Error creating state directory: %v\n", err)
	}

	store, err := bulk.OpenJobStore(cfg.StateDB)
	if err != nil {
		log.Fatalf("Error opening job store: %v\n", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Error opening object store: %v\n", err)
	}
	defer backend.Close()

	opts := append(bulk.OptionsFromConfig(cfg), bulk.WithStore(store))

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, bulk.WithMetrics(reg))

		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	helpers := bulk.NewHelpers(backend, opts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nStopping after the parts in flight...")
		cancel()
	}()

	args := flag.Args()[1:]

	switch flag.Arg(0) {
	case "put":
		err = runPut(ctx, backend, helpers, args)
	case "get":
		err = runGet(ctx, helpers, args)
	case "resume":
		err = runResume(ctx, helpers, store, args)
	case "status":
		err = runStatus(store)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Errorf("%s failed: %v", flag.Arg(0), err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	return config.GetConfig()
}

func openBackend(ctx context.Context, cfg *config.StoreConfig) (*blobstore.Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}

	return blobstore.Open(ctx, "file://"+filepath.ToSlash(dir),
		blobstore.WithPartSize(cfg.PartSize),
		blobstore.WithNotReadyRounds(cfg.NotReadyRounds),
		blobstore.WithRetryAfter(cfg.RetryAfter),
	)
}

func runPut(ctx context.Context, backend *blobstore.Store, helpers *bulk.Helpers, args []string) error {
	if len(args) != 2 {
		return errors.New("put needs a bucket and a directory")
	}
	bucket, dir := args[0], args[1]

	objects, err := localObjects(dir)
	if err != nil {
		return err
	}

	if len(objects) == 0 {
		return fmt.Errorf("no files under %s", dir)
	}

	if err := backend.CreateBucket(ctx, bucket); err != nil {
		return err
	}

	job, err := helpers.StartWriteJob(ctx, bucket, objects)
	if err != nil {
		return err
	}

	fmt.Printf("Started put job %s: %d objects\n", job.JobID(), len(objects))

	return watch(job.Job, func() error {
		return job.Transfer(ctx, bulk.FileObjectPutter(dir))
	})
}

func runGet(ctx context.Context, helpers *bulk.Helpers, args []string) error {
	if len(args) != 2 {
		return errors.New("get needs a bucket and a directory")
	}
	bucket, dir := args[0], args[1]

	job, err := helpers.StartReadAllJob(ctx, bucket)
	if err != nil {
		return err
	}

	fmt.Printf("Started get job %s: %d objects\n", job.JobID(), len(job.Objects()))

	return watch(job.Job, func() error {
		return job.Transfer(ctx, bulk.FileObjectGetter(dir))
	})
}

func runResume(ctx context.Context, helpers *bulk.Helpers, store bulk.JobStore, args []string) error {
	if len(args) != 2 {
		return errors.New("resume needs a job id and a directory")
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	dir := args[1]

	record, err := store.Find(id)
	if err != nil {
		return err
	}

	switch record.RequestType {
	case ds3.RequestPut:
		job, err := helpers.RecoverWriteJob(ctx, id)
		if err != nil {
			return err
		}

		return watch(job.Job, func() error {
			return job.Transfer(ctx, bulk.FileObjectPutter(dir))
		})
	default:
		job, err := helpers.RecoverReadJob(ctx, id)
		if err != nil {
			return err
		}

		return watch(job.Job, func() error {
			return job.Transfer(ctx, bulk.FileObjectGetter(dir))
		})
	}
}

func runStatus(store bulk.JobStore) error {
	records, err := store.FindAll()
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No jobs recorded")
		return nil
	}

	for _, r := range records {
		fmt.Println(formatRecord(r))
	}

	return nil
}

// localObjects lists the regular files under dir as objects named by their
// slash-separated path relative to dir.
func localObjects(dir string) ([]ds3.Object, error) {
	var objects []ds3.Object

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		objects = append(objects, ds3.Object{Name: filepath.ToSlash(rel), Size: info.Size()})

		return nil
	})

	return objects, err
}
