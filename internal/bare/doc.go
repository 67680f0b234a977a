// Package bare implements a Bare v3 relay backend.
//
// A Bare client asks the server to perform an HTTP request on its behalf.
// The target URL and request headers travel in X-Bare-* request headers; the
// remote status and headers come back in X-Bare-* response headers and the
// remote body is streamed as the response body. WebSocket relays use the same
// path: the first client frame is a JSON connect packet naming the remote.
//
// The backend owns a single path prefix, /seal/ by default:
//
//	GET     /seal/      manifest
//	OPTIONS /seal/...   CORS preflight
//	*       /seal/v3/   HTTP relay
//	upgrade /seal/v3/   WebSocket relay
package bare
