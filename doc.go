// Package caprpc is a binary object-capability RPC system: a zero-copy,
// pointer-based message codec and a connection engine that invokes methods
// on remote or promised objects with pipelining.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	caprpc/              Root package with the Transport interface
//	├── wire/            Segment arenas, pointers, structs, lists, framing
//	├── capability/      Reference-counted clients, promises, pipelining
//	├── server/          Method tables and ordered call delivery
//	├── rpc/             Connection: questions, answers, imports, exports, embargoes
//	│   └── transport/   Stream and in-memory transports
//	├── wasmcap/         Servants implemented by a WebAssembly guest
//	├── config/          TOML configuration
//	├── errors/          Structured error types
//	├── internal/dump/   Message trees for inspection
//	└── cmd/capdump/     Message inspection tool and wasm guest server
//
// # Quick Start
//
// Serve a capability on one end of a connection:
//
//	srv := server.New(server.Methods{{
//	    Method: capability.Method{InterfaceID: echoID, MethodID: 0},
//	    Impl:   echo,
//	}}, nil)
//	conn := rpc.NewConn(transport.NewStream(sock, 0), &rpc.Options{
//	    BootstrapClient: capability.NewClient(srv),
//	})
//
// Call it from the other end:
//
//	conn := rpc.NewConn(transport.NewStream(sock, 0), nil)
//	echo := conn.Bootstrap(ctx)
//	ans, release := echo.SendCall(ctx, capability.Send{
//	    Method:   capability.Method{InterfaceID: echoID, MethodID: 0},
//	    ArgsSize: wire.ObjectSize{PointerCount: 1},
//	    PlaceArgs: func(s wire.Struct) error {
//	        return s.SetText(0, "hello")
//	    },
//	})
//	defer release()
//	res, err := ans.Struct()
//
// # Pipelining
//
// Calls may target capabilities inside results that have not arrived yet:
//
//	ans, release := root.SendCall(ctx, getStore)
//	store := ans.Field(0, nil).Client()
//	putAns, putRelease := store.SendCall(ctx, put)
//
// The put call travels to the peer before getStore returns. Ordering of
// calls made through a promise and calls made on its resolution is
// preserved by the disembargo handshake.
//
// # Thread Safety
//
// Message is not safe for concurrent mutation. Client, Conn and Server are
// safe for concurrent use.
package caprpc
