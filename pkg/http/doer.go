// Package http sends pipeline messages and attachments to a REST collector.
//
// Processor implements the consumer's Processor contract and Uploader the
// upload manager's Uploader contract. Both map HTTP 429 to a rate-limit
// signal carrying the server's Retry-After, retry transient network and 5xx
// failures a bounded number of times, and report everything else as a fatal
// error for the message.
package http

import "net/http"

// Doer executes HTTP requests. *http.Client satisfies it; tests and custom
// transports can supply their own.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
