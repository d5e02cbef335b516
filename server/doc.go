// Package server dispatches calls on a local capability to Go functions.
//
// A Server is built from a Methods list. At construction the methods are
// grouped by interface id into a sorted table, and each interface gets a
// slice indexed by method id:
//
//	interface 0x8a3c... ─> [ 0: get ][ 1: put ][ 2: nil ][ 3: list ]
//	interface 0xf01d... ─> [ 0: ping ]
//
// An unknown interface fails the call with unimplemented_interface; a
// method id past the slice or on a gap fails it with
// unimplemented_method. Both are returned to the caller.
//
// Calls start in arrival order. A method blocks the next call until it
// returns or calls Call.Go. Cancellation of the caller's context is
// delivered through the context passed to the method; a method that
// returns the context's error resolves its answer as canceled.
//
//	srv := server.New(server.Methods{{
//		Method: capability.Method{InterfaceID: 0x8a3c, MethodID: 0},
//		Impl: func(ctx context.Context, call *server.Call) error {
//			res, err := call.AllocResults(wire.ObjectSize{DataSize: 8})
//			if err != nil {
//				return err
//			}
//			res.SetUint64(0, call.Args().Uint64(0)+1)
//			return nil
//		},
//	}}, nil)
//	client := capability.NewClient(srv)
package server
