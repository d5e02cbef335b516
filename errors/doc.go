// Package errors provides structured error types for caprpc.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Error type carries a pipeline or field path, the method the
// error is attributed to, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindMalformedPointer).
//		Path("params", "items").
//		Detail("list pointer escapes segment %d", 2).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.TraversalLimit(limit)
//	err := errors.UnimplementedMethod("Calculator.evaluate", 7)
//
// Decode errors (malformed_pointer, traversal_limit, depth_exceeded,
// cap_index_out_of_range) reject one message and leave the connection
// intact. Dispatch errors (unimplemented_method, unimplemented_interface,
// failed) are scoped to one call. Canceled is the outcome of a call whose
// caller stopped waiting; it is not a failure.
//
// All errors implement the standard error interface and support errors.Is/As.
// A target with an empty Phase matches any Phase:
//
//	errors.Is(err, &errors.Error{Kind: errors.KindCanceled})
package errors
