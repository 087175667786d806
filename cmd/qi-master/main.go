// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// qi-master hosts a service directory. With --master-address it runs as a
// gateway instead, relaying the services of an upstream directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/qimessaging/admin"
	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/gateway"
	"github.com/luxfi/qimessaging/health"
	"github.com/luxfi/qimessaging/internal/config"
	"github.com/luxfi/qimessaging/internal/logging"
	"github.com/luxfi/qimessaging/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "Path to config file (.yaml or .toml)")
	masterAddress := flag.String("master-address", "", "Upstream directory to relay (gateway mode)")
	healthAddress := flag.String("health-address", "", "Address of the gRPC health endpoint")
	adminAddress := flag.String("admin-address", "", "Address of the HTTP admin endpoint")
	logLevel := flag.String("log-level", "", "Log level")
	flag.Parse()

	cfg := &config.Config{}
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
	}
	if flag.NArg() > 0 {
		cfg.Listen = flag.Args()
	}
	gatewayMode := *masterAddress != ""
	if gatewayMode {
		cfg.MasterAddress = *masterAddress
	}
	if *healthAddress != "" {
		cfg.Health.Address = *healthAddress
	}
	if *adminAddress != "" {
		cfg.Admin.Address = *adminAddress
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	config.ApplyDefaults(cfg)

	hook, err := logging.Init(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		return 1
	}
	defer hook.Close()

	loop := eventloop.New("qi-master", cfg.EventLoop.Size)
	defer loop.Stop()
	opts, err := cfg.SessionOptions(loop)
	if err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sess *session.Session
	if gatewayMode {
		gw := gateway.New(opts...)
		defer gw.Close()
		for _, endpoint := range cfg.Listen {
			u, err := gw.Listen(endpoint)
			if err != nil {
				logrus.WithError(err).WithField("endpoint", endpoint).Error("cannot listen")
				return 1
			}
			logrus.WithField("endpoint", u.String()).Info("gateway listening")
		}
		attachCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		err := gw.Attach(attachCtx, cfg.MasterAddress)
		cancel()
		if err != nil {
			logrus.WithError(err).WithField("upstream", cfg.MasterAddress).Error("cannot attach to upstream directory")
			return 1
		}
		sess = gw.Local()
	} else {
		sess = session.New(opts...)
		defer sess.Close()
		for _, endpoint := range cfg.Listen {
			u, err := listen(sess, endpoint)
			if err != nil {
				logrus.WithError(err).WithField("endpoint", endpoint).Error("cannot listen")
				return 1
			}
			logrus.WithField("endpoint", u).Info("service directory listening")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Health.Address != "" {
		dir, err := sess.DirectoryObject()
		if err != nil {
			logrus.WithError(err).Error("no directory to mirror")
			return 1
		}
		mirror := health.NewMirror(dir)
		if err := mirror.Start(ctx); err != nil {
			logrus.WithError(err).Error("cannot follow directory")
			return 1
		}
		addr, err := mirror.ListenAndServe(cfg.Health.Address)
		if err != nil {
			logrus.WithError(err).WithField("address", cfg.Health.Address).Error("cannot serve health")
			return 1
		}
		logrus.WithField("address", addr.String()).Info("health endpoint listening")
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mirror.Stop(shutdownCtx)
			return nil
		})
	}

	if cfg.Admin.Address != "" {
		srv, err := admin.NewServer(sess)
		if err != nil {
			logrus.WithError(err).Error("cannot build admin server")
			return 1
		}
		addr, err := srv.ListenAndServe(cfg.Admin.Address)
		if err != nil {
			logrus.WithError(err).WithField("address", cfg.Admin.Address).Error("cannot serve admin")
			return 1
		}
		logrus.WithField("address", addr.String()).Info("admin endpoint listening")
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logrus.WithField("session", sess.ID()).Info("qi-master started")
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Warn("shutdown")
	}
	logrus.Info("shutdown complete")
	return 0
}

// listen hosts the directory on the first endpoint and serves it on the
// others.
func listen(sess *session.Session, endpoint string) (string, error) {
	if sess.Directory() == nil {
		u, err := sess.ListenStandalone(endpoint)
		return u.String(), err
	}
	u, err := sess.Listen(endpoint)
	return u.String(), err
}
