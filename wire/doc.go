// Package wire implements the binary message format: segment arenas,
// single-word pointers, struct and list views, capability tables and
// framing.
//
// # Layout
//
// A message is one or more segments of 8-byte words. The root pointer sits
// at offset 0 of segment 0. Pointers are relative: a struct or list pointer
// stores a signed word offset from the word after the pointer. A pointer
// into another segment goes through a landing pad:
//
//	seg 0              seg 1
//	┌──────────┐       ┌──────────────┐
//	│ far(1,2) │──────►│ ...          │
//	└──────────┘       │ pad: struct ─┼─► object
//	                   └──────────────┘
//
// When the object's segment has no room for a pad, a double-far pointer
// targets a two-word pad in any segment: a far pointer to the object
// followed by a tag describing it.
//
// # Reading
//
// Views (Struct, List, Interface) are offsets into the segments; nothing is
// copied. Data fields are stored XORed with their default, and fields past
// a struct's declared size read as the default, so readers and writers on
// different schema versions interoperate.
//
// Every pointer traversal is charged against the message's read budget
// (TraverseLimit words) and nesting is bounded by DepthLimit. Pointers that
// leave their segment, chain more than two far hops, or overlap their own
// word are rejected with malformed_pointer. None of these errors affect
// other messages.
//
// # Writing
//
// Builders allocate from an Arena. SingleSegment grows one buffer;
// MultiSegment grows the newest segment up to a ceiling and then opens a
// new one. Setting a pointer field to an object from another message deep
// copies it, duplicating capability references into this message's table.
//
// # Framing
//
//	┌────────────┬──────────────┬─────┬─────────┬──────────────┐
//	│ count-1 u32│ words[0] u32 │ ... │ padding │ segments ... │
//	└────────────┴──────────────┴─────┴─────────┴──────────────┘
package wire
