package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/tcpsplice/pkg/capture"
	"github.com/irctrakz/tcpsplice/pkg/classifier"
	"github.com/irctrakz/tcpsplice/pkg/config"
	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/intercept"
	"github.com/irctrakz/tcpsplice/pkg/logging"
	"github.com/irctrakz/tcpsplice/pkg/metrics"
	"github.com/irctrakz/tcpsplice/pkg/splice"
)

type injector interface {
	core.Injector
	Metrics() core.InjectorMetrics
}

// debugEnv reports whether DEBUG is set to a truthy value.
func debugEnv() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func runDaemon(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if debugEnv() {
		cfg.Logging.Level = "debug"
		core.SetDebugMode(true)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}
	if logging.IsDebug() {
		logging.Infof("DEBUG enabled: per-packet logging")
	}

	target, err := cfg.ProxyTarget()
	if err != nil {
		return err
	}
	opts, err := cfg.SpliceOptions()
	if err != nil {
		return err
	}
	rules, err := cfg.ClassifierRules()
	if err != nil {
		return err
	}

	raw, err := intercept.NewRawInjector(cfg.Queue.IgnoreMark)
	if err != nil {
		return fmt.Errorf("injector: %w", err)
	}
	defer raw.Close()
	var inj injector = raw
	if cfg.Metrics.PcapPath != "" {
		w, err := capture.Create(cfg.Metrics.PcapPath)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		tee := capture.NewTee(raw, w)
		defer tee.Close()
		inj = tee
		logging.Infof("Recording injected packets to %s", cfg.Metrics.PcapPath)
	}

	mgr := splice.NewManager(inj, opts)
	cls := classifier.New(rules)
	disp, err := splice.NewDispatcher(mgr, cls, target, cfg.Classifier.Ports)
	if err != nil {
		return err
	}

	queue, err := intercept.NewNFQueue(intercept.QueueOptionsFrom(cfg.Queue))
	if err != nil {
		return fmt.Errorf("nfqueue: %w", err)
	}
	queue.SetHandler(disp)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := queue.Start(gctx); err != nil {
			mgr.Fail(err)
			return fmt.Errorf("nfqueue: %w", err)
		}
		return nil
	})

	if opts.Interface != "" {
		lw := intercept.NewLinkWatcher(opts.Interface, mgr.HandleLinkEvent)
		g.Go(func() error { return lw.Run(gctx) })
	} else if err := mgr.Start(); err != nil {
		return err
	}

	g.Go(func() error {
		cls.Run(gctx, cfg.StatsInterval())
		return nil
	})

	if cfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, cfgPath, func(next *config.Config) {
				r, err := next.ClassifierRules()
				if err != nil {
					logging.Warnf("Keeping classifier rules: %v", err)
					return
				}
				cls.SetRules(r)
				if debugEnv() {
					next.Logging.Level = "debug"
				}
				if err := next.ApplyLogging(); err != nil {
					logging.Warnf("Keeping logging settings: %v", err)
				}
			})
		})
	}

	src := metrics.Sources{
		Manager:     mgr,
		Classifier:  cls,
		Dispatcher:  disp,
		Interceptor: queue,
		Injector:    inj,
	}
	if iv := cfg.MetricsInterval(); iv > 0 {
		rep := metrics.NewReporter(src, iv, cfg.Metrics.Format)
		g.Go(func() error {
			rep.Run(gctx)
			return nil
		})
	}
	if cfg.Metrics.Listen != "" {
		health := func() error {
			if err := mgr.Err(); err != nil {
				return err
			}
			if !mgr.Running() {
				return splice.ErrNotRunning
			}
			return nil
		}
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metrics.NewMux(metrics.NewRegistry(metrics.NewCollector(src)), src, health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logging.Infof("Serving diagnostics on %s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logging.Infof("tcpsplice %s: proxy %s, queues %d/%d, interface %q",
		version, target, cfg.Queue.PreRouting, cfg.Queue.PostRouting, opts.Interface)

	err = g.Wait()
	mgr.Stop()
	mgr.WaitDeliveries()
	if qerr := queue.Stop(); qerr != nil {
		logging.Warnf("nfqueue stop: %v", qerr)
	}
	s := mgr.Snapshot(false)
	logging.Infof("Shutdown complete: tracked=%d released=%d replays=%d resets=%d",
		s.Counters.Tracked, s.Counters.Released, s.Counters.Replays, s.Counters.Resets)
	return err
}
