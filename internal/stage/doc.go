// Package stage defines the pipeline stage contract and its two runner
// implementations.
//
// A stage is an opaque worker the scheduler invokes per group: convert,
// flag, calibrate, apply, image, mosaic, then the built-in publish. The
// scientific work lives outside this codebase; [ExecRunner] bridges to it by
// executing the configured argv with [Request] JSON on stdin and [Result]
// JSON on stdout. [PublishRunner] implements the final stage in-process
// against the product registry.
//
// The [Descriptor] table fixes execution order, which stages hold the MS
// write lease, the operator-facing group label per stage, and built-in
// timeouts. Workers must honor cancellation: ExecRunner sends SIGTERM and
// escalates to SIGKILL after a grace period.
package stage
