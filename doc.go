// Package servex is an embeddable, streaming HTTP server engine with
// ordered routing, backpressure-respecting body streams, and configurable
// flush timing.
//
// Highlights
//   - Routing: ordered route table, first structural match wins, named
//     path parameters and a final greedy wildcard, static-file routes as
//     a plain handler variant.
//   - Streaming: handlers return a production signal (empty, single
//     buffer, or a stream of buffers); stream producers run against a
//     one-chunk-in-flight pipe, so a slow client stalls the producer
//     instead of growing a buffer.
//   - Flush control: buffer until the body completes, flush per chunk, or
//     flush per burst with coalescing; per-response override of the
//     connection-level strategy.
//   - Compression: gzip/deflate negotiated against Accept-Encoding, with
//     unconditional, size-threshold, and predicate policies.
//   - Limits and recovery: decoder limits map to 431/413, pre-flush
//     handler failures become a clean 500 with no internal detail, and
//     mid-stream failures terminate the connection rather than emit
//     corrupt framing.
//
// Quick start:
//
//	srv, err := servex.New(servex.Config{
//	    Addr: ":8080",
//	    Routes: []servex.RouteEntry{{
//	        Method:  "GET",
//	        Pattern: "/hello",
//	        Handler: func(req *servex.Request, res *servex.Response) servex.ProductionSignal {
//	            res.SetHeader("Content-Type", "text/plain; charset=utf-8")
//	            return servex.SingleBuffer([]byte("Hello World!"))
//	        },
//	    }},
//	})
//	if err != nil { log.Fatal(err) }
//	if err := srv.ListenAndServe(); err != nil { log.Fatal(err) }
package servex
