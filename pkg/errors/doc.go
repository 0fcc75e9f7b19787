// Package errors provides the error taxonomy of the delivery pipeline.
//
// Errors fall into five classes:
//
//   - Rate limited: the collector asked the client to slow down. The message
//     is re-queued and the consumer backs off for the advertised duration.
//     Represented by RateLimitedError, or an APIError with status 429.
//   - Fatal: any other processing error. The message is logged and dropped.
//   - Queue pressure: the bounded queue evicted an item. Reported through
//     callbacks and metrics, never returned to producers.
//   - Flush timeout: reported as a false return from Flush.
//   - Upload failure: logged and dropped.
//
// Background failures can be observed through an AsyncErrorHandler:
//
//	handler := errors.NewAsyncErrorHandler(&errors.AsyncErrorConfig{
//	    OnError: func(err *errors.AsyncError) { log.Print(err) },
//	})
//
// Use IsRateLimited to classify a processor error:
//
//	if retryAfter, ok := errors.IsRateLimited(err); ok {
//	    // back off for retryAfter
//	}
package errors
