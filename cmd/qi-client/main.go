// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// qi-client inspects and calls services.
//
//	qi-client                          list services
//	qi-client echo                     describe a service
//	qi-client echo reply hello         call a method
//	qi-client --event echo.tick        print emissions of a signal
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/admin"
	"github.com/luxfi/qimessaging/directory"
	"github.com/luxfi/qimessaging/internal/config"
	"github.com/luxfi/qimessaging/internal/logging"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/session"
	"github.com/luxfi/qimessaging/value"
)

var errUsage = errors.New("usage: qi-client [flags] [service [method [args...]]]")

func main() {
	configFile := flag.String("config", "", "Path to config file (.yaml or .toml)")
	masterAddress := flag.String("master-address", "", "Service directory to connect to")
	event := flag.String("event", "", "Signal to watch, as service.signal")
	loop := flag.Int("loop", 1, "Repeat the call N times, or stop after N events (0 means forever)")
	adminURL := flag.String("admin", "", "Query the directory through an HTTP admin endpoint instead")
	logLevel := flag.String("log-level", "warning", "Log level")
	flag.Parse()

	cfg := &config.Config{}
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *masterAddress != "" {
		cfg.MasterAddress = *masterAddress
	}
	cfg.Logging.Level = *logLevel
	config.ApplyDefaults(cfg)
	hook, err := logging.Init(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer hook.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *adminURL != "" {
		err = viaAdmin(ctx, *adminURL, flag.Args())
	} else {
		err = viaSession(ctx, cfg, *event, *loop, flag.Args())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func viaSession(ctx context.Context, cfg *config.Config, event string, loop int, args []string) error {
	opts, err := cfg.SessionOptions(nil)
	if err != nil {
		return err
	}
	sess := session.New(opts...)
	defer sess.Close()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	err = sess.Connect(connectCtx, cfg.MasterAddress)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.MasterAddress, err)
	}

	switch {
	case event != "":
		return watch(ctx, sess, event, loop)
	case len(args) == 0:
		infos, err := sess.Services(ctx)
		if err != nil {
			return err
		}
		printServices(infos)
		return nil
	case len(args) == 1:
		obj, err := sess.Service(ctx, args[0])
		if err != nil {
			return err
		}
		describe(obj.MetaObject())
		return nil
	default:
		obj, err := sess.Service(ctx, args[0])
		if err != nil {
			return err
		}
		params := parseArgs(args[2:])
		for i := 0; loop <= 0 || i < loop; i++ {
			v, err := obj.Call(ctx, args[1], params...).Get(ctx)
			if err != nil {
				return err
			}
			fmt.Println(v.String())
			if ctx.Err() != nil {
				return nil
			}
		}
		return nil
	}
}

func watch(ctx context.Context, sess *session.Session, event string, loop int) error {
	service, sig, ok := strings.Cut(event, ".")
	if !ok || service == "" || sig == "" {
		return fmt.Errorf("--event wants service.signal, got %q", event)
	}
	obj, err := sess.Service(ctx, service)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	count := 0
	_, err = obj.Connect(ctx, sig, func(args []value.Value) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		fmt.Printf("%s: %s\n", event, strings.Join(parts, ", "))
		count++
		if loop > 0 && count == loop {
			close(done)
		}
	}, nil).Get(ctx)
	if err != nil {
		return err
	}
	logrus.WithField("signal", event).Debug("watching")
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// parseArgs turns command line words into call arguments. Numbers and
// booleans are recognized; everything else is a string.
func parseArgs(words []string) []any {
	out := make([]any, len(words))
	for i, w := range words {
		if n, err := strconv.ParseInt(w, 10, 64); err == nil {
			out[i] = n
		} else if f, err := strconv.ParseFloat(w, 64); err == nil {
			out[i] = f
		} else if b, err := strconv.ParseBool(w); err == nil {
			out[i] = b
		} else {
			out[i] = w
		}
	}
	return out
}

func printServices(infos []directory.ServiceInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENDPOINTS")
	for _, info := range infos {
		fmt.Fprintf(w, "%d\t%s\t%s\n", info.ServiceID, info.Name, strings.Join(info.Endpoints, " "))
	}
	w.Flush()
}

func sortedIDs[V any](m map[uint32]V) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func describe(mo *object.MetaObject) {
	for _, id := range sortedIDs(mo.Methods) {
		m := mo.Methods[id]
		fmt.Printf("method   %3d %s %s -> %s\n", id, m.Name, m.ParametersSignature, m.ReturnSignature)
	}
	for _, id := range sortedIDs(mo.Signals) {
		s := mo.Signals[id]
		fmt.Printf("signal   %3d %s %s\n", id, s.Name, s.Signature)
	}
	for _, id := range sortedIDs(mo.Properties) {
		p := mo.Properties[id]
		fmt.Printf("property %3d %s %s\n", id, p.Name, p.Signature)
	}
}

func viaAdmin(ctx context.Context, address string, args []string) error {
	c, err := admin.NewClient(address)
	if err != nil {
		return err
	}
	switch len(args) {
	case 0:
		infos, err := c.Services(ctx)
		if err != nil {
			return err
		}
		printServices(infos)
	case 1:
		info, err := c.Service(ctx, args[0])
		if err != nil {
			return err
		}
		printServices([]directory.ServiceInfo{info})
	default:
		return errUsage
	}
	return nil
}
