// Package httputil holds the small set of JSON and body helpers shared by
// the webhook server and the worker's ops endpoints.
package httputil
