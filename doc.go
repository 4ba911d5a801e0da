// Package allocator is a general-purpose dynamic memory allocator
// intended as a drop-in replacement for a platform's default allocator in
// high-concurrency server workloads with short-lived, ephemeral
// allocations.
//
// Allocate and Free are the two primitive operations. Requests of 256
// bytes or fewer are served by a per-goroutine small-block cache with no
// shared synchronization; larger requests are served by a boundary-tagged
// arena with a first-fit free list, splitting on allocation and immediate
// bidirectional coalescing on free. An Allocator owns a sequence of
// arenas, created lazily per goroutine, with an optional background task
// that reclaims arenas once they go fully idle.
package allocator
