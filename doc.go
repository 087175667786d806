// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package qi is a distributed object bus. Processes publish objects as
// named services in a service directory; other processes resolve those
// names into proxies and call methods, subscribe to signals and read
// properties over a binary message protocol.
//
// # Usage
//
// Hosting a directory:
//
//	master, url, err := qi.ListenStandalone("tcp://0.0.0.0:9559")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer master.Close()
//
// Publishing a service:
//
//	sess, err := qi.Connect(ctx, "tcp://127.0.0.1:9559")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := sess.Listen("tcp://0.0.0.0:0"); err != nil {
//	    log.Fatal(err)
//	}
//
//	b := object.NewBuilder()
//	b.AdvertiseFunc("reply", func(s string) string { return s })
//	b.AdvertiseSignal("tick", "(i)")
//	obj, _ := b.Object(sess.EventLoop())
//	sess.RegisterService(ctx, "echo", obj)
//
// Using it:
//
//	echo, err := sess.Service(ctx, "echo")
//	got, err := object.CallAs[string](ctx, echo, "reply", "ping")
//
// # Transports
//
// Endpoints are URLs: tcp://host:port, tcps://host:port (TLS),
// tcpsm://host:port (mutual TLS) and ws://host:port/path (one websocket
// frame per message). Port 0 in a listen URL picks a free port; the bound
// endpoint is reported by Session.Endpoints.
//
// # Architecture
//
//   - signature, value: type grammar and dynamic values
//   - buffer, codec, message: the wire format
//   - future, eventloop: asynchronous results and the worker pool
//   - object: metaobjects, the object builder and generic objects
//   - transport: sockets, listeners, the socket cache
//   - session, directory: service resolution and object hosting
//   - gateway, health, admin: relaying, gRPC health and the HTTP surface
package qi
