package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/optilane/kkt-adapter/internal/api"
	"github.com/optilane/kkt-adapter/internal/breaker"
	"github.com/optilane/kkt-adapter/internal/buffer"
	"github.com/optilane/kkt-adapter/internal/config"
	"github.com/optilane/kkt-adapter/internal/fiscal"
	"github.com/optilane/kkt-adapter/internal/heartbeat"
	"github.com/optilane/kkt-adapter/internal/hlc"
	"github.com/optilane/kkt-adapter/internal/kkt"
	"github.com/optilane/kkt-adapter/internal/ofd"
	"github.com/optilane/kkt-adapter/internal/syncer"
)

const iniFilename = "kkt-adapter.ini"

// Config is the top-level configuration object of the adapter.
var Config = new(config.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config": Config,
		"posID":  Config.Adapter.PosID,
	}).Info("kkt-adapter configuration")

	store, err := buffer.Open(Config.Buffer.Path, buffer.Options{
		Capacity:     Config.Buffer.Capacity,
		AlertPercent: Config.Buffer.AlertPercent,
		BlockPercent: Config.Buffer.BlockPercent,
		MaxRetries:   Config.Sync.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("opening receipt buffer: %w", err)
	}
	defer store.Close()

	var clock = hlc.NewClock()
	var brk = breaker.New(breaker.Config{
		FailureThreshold: Config.CB.FailureThreshold,
		RecoveryTimeout:  config.Seconds(Config.CB.RecoveryTimeoutS),
		SuccessThreshold: Config.CB.SuccessThreshold,
	}, store)
	var ofdClient = ofd.NewClient(Config.OFD.BaseURL, config.Seconds(Config.OFD.TimeoutS))

	var locker syncer.Locker = &syncer.LocalLocker{}
	if Config.Etcd.Endpoint != "" {
		etcd, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{Config.Etcd.Endpoint},
			DialTimeout: config.Seconds(Config.Etcd.DialTimeoutS),
		})
		if err != nil {
			return fmt.Errorf("dialing etcd: %w", err)
		}
		defer etcd.Close()
		locker = syncer.NewEtcdLocker(etcd, Config.Sync.LockKey,
			config.Seconds(Config.Sync.LockTTLS))
	} else {
		log.Warn("no etcd endpoint configured; sync lock is process-local")
	}

	var worker = syncer.New(store, brk, ofdClient, clock, locker, syncer.Config{
		Interval:  config.Seconds(Config.Sync.IntervalS),
		BatchSize: Config.Sync.BatchSize,
	})

	var printer kkt.Driver = &kkt.Stub{}
	if Config.KKT.BridgeURL != "" {
		printer = kkt.NewHTTPDriver(Config.KKT.BridgeURL, config.Seconds(Config.KKT.TimeoutS))
	} else {
		log.Warn("no KKT bridge configured; printing is skipped")
	}

	var service = fiscal.NewService(store, clock, printer, worker.Kick)

	var emitter *heartbeat.Emitter
	if Config.Heartbeat.URL != "" {
		emitter = heartbeat.New(heartbeat.Config{
			URL:             Config.Heartbeat.URL,
			Interval:        config.Seconds(Config.Heartbeat.IntervalS),
			Timeout:         config.Seconds(Config.Heartbeat.TimeoutS),
			OnlineSuccesses: Config.Heartbeat.OnlineSuccesses,
			OfflineFailures: Config.Heartbeat.OfflineFailures,
		}, func(ctx context.Context) (heartbeat.Payload, error) {
			var sum, err = store.Status(ctx)
			if err != nil {
				return heartbeat.Payload{}, err
			}
			return heartbeat.Payload{
				PosID:               Config.Adapter.PosID,
				BufferFullness:      sum.Fullness,
				CircuitBreakerState: brk.State().String(),
				ClockDriftS:         int64(clock.Drift().Seconds()),
			}, nil
		})
	}

	var probe api.ConnectivityProbe
	if emitter != nil {
		probe = emitter
	}
	var httpAPI = api.NewServer(service, store, brk, worker, probe)

	var tasks = task.NewGroup(context.Background())
	tasks.Queue("syncWorker", func() error {
		return worker.Run(tasks.Context())
	})
	if emitter != nil {
		tasks.Queue("heartbeat", func() error {
			return emitter.Run(tasks.Context())
		})
	}
	tasks.Queue("httpAPI", func() error {
		return httpAPI.Serve(tasks.Context(), fmt.Sprintf(":%d", Config.Adapter.Port))
	})

	// Install signal handler to drain and exit.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})

	log.WithFields(log.Fields{
		"posID": Config.Adapter.PosID,
		"port":  Config.Adapter.Port,
	}).Info("starting kkt-adapter")

	tasks.GoRun()
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the KKT adapter", `
Serve the fiscal adapter with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
