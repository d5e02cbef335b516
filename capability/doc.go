// Package capability implements capability references, promises and
// promise pipelining.
//
// A Client is a reference-counted handle to a capability. Behind it sits
// a ClientHook: a local server, an import from a remote vat, a promise or
// an error. Calls are made with SendCall, which places the arguments,
// starts the call and returns an Answer:
//
//	ans, release := c.SendCall(ctx, capability.Send{
//		Method:    capability.Method{InterfaceID: 0xa7d4c1b3, MethodID: 0},
//		ArgsSize:  wire.ObjectSize{DataSize: 8},
//		PlaceArgs: func(s wire.Struct) error { s.SetUint64(0, 42); return nil },
//	})
//	defer release()
//
// # Pipelining
//
// Answer.Field(i, nil).Client() names the capability that will be found in
// pointer field i of the results. Calls on it are sent before the answer
// returns:
//
//	Answer ──Field(0)──> Future ──Client()──> promised Client
//	   │                                          │
//	   pending: calls go to the PipelineCaller ◄──┘
//	   resolved: calls go to the capability in the results
//
// # Promises
//
// NewPromisedClient and NewLocalPromise return clients that settle later.
// A local promise queues calls and, on Fulfill, delivers them to the
// resolution in order before any later call. Resolution chains are
// followed iteratively; a promise that would resolve to itself fails with
// a resolution_cycle error.
//
// A Promise may be forwarded to another call's Answer (a tail call).
// Pipelined calls then go straight to the other answer instead of waiting
// for it to return.
package capability
