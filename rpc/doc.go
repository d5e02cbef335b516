// Package rpc runs the capability protocol over a caprpc.Transport.
//
// A Conn keeps four tables per peer:
//
//	questions   calls this side sent          ids chosen here
//	answers     calls the peer sent           ids chosen by the peer
//	exports     capabilities hosted here      ids chosen here
//	imports     capabilities hosted there     ids chosen by the peer
//
// A question lives from its Call until both the Return has arrived and a
// Finish has been sent. Returns are always followed by a Finish right
// away, so results stay valid only through the capabilities decoded from
// them. Canceling the caller's context, or releasing an answer before it
// returns, sends an early Finish and fails the answer as canceled.
//
// Calls on a promised answer are sent with a promisedAnswer target before
// the answer returns. When the answer's capability turns out to live on
// this side, pipelined calls are still in flight through the peer; the
// capability is embargoed behind a Disembargo round trip so that calls
// made afterward cannot overtake them:
//
//	this side                         peer
//	   Call q1 ───────────────────────>
//	   Call on q1.cap (pipelined) ────>  forwarded back to this side
//	  <─────────────── Return q1 (cap is ours)
//	   Disembargo senderLoopback ─────>
//	  <──────── Disembargo receiverLoopback
//	   queued calls released
//
// Capabilities are passed by descriptor: those hosted by the sender are
// exported and counted; those hosted by the receiver, or promised by one
// of its outstanding calls, are named by id. Every descriptor received is
// counted and returned in a single Release when the local client goes
// away.
//
// Messages the connection does not handle are echoed back as
// unimplemented. Undecodable messages are dropped unless
// Options.AbortOnMalformed is set; protocol violations always abort.
package rpc
