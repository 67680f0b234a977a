package bare

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// maxHeaderValue is the longest X-Bare-Headers value sent in one header.
const maxHeaderValue = 3072

var (
	forbiddenSendHeaders    = []string{"connection", "content-length", "transfer-encoding"}
	forbiddenForwardHeaders = []string{"connection", "transfer-encoding", "host", "origin", "referer"}
	forbiddenPassHeaders    = []string{
		"vary", "connection", "transfer-encoding",
		"access-control-allow-headers", "access-control-allow-methods",
		"access-control-expose-headers", "access-control-max-age",
		"access-control-request-headers", "access-control-request-method",
	}

	defaultForwardHeaders      = []string{"accept-encoding", "accept-language"}
	defaultPassHeaders         = []string{"content-encoding", "content-length", "last-modified"}
	defaultCacheForwardHeaders = []string{"if-modified-since", "if-none-match", "cache-control"}
	defaultCachePassHeaders    = []string{"cache-control", "etag"}
)

var listSeparator = regexp.MustCompile(`,\s*`)

// relayRequest is a parsed Bare v3 request.
type relayRequest struct {
	remote         *url.URL
	sendHeaders    http.Header
	passHeaders    []string
	passStatus     []int
	forwardHeaders []string
}

// parseRequest reads the X-Bare-* headers of r.
func parseRequest(r *http.Request) (*relayRequest, *Error) {
	req := &relayRequest{
		sendHeaders:    make(http.Header),
		passHeaders:    slices.Clone(defaultPassHeaders),
		forwardHeaders: slices.Clone(defaultForwardHeaders),
	}

	if cache, _ := strconv.ParseBool(r.URL.Query().Get("cache")); cache {
		req.passHeaders = append(req.passHeaders, defaultCachePassHeaders...)
		req.passStatus = append(req.passStatus, http.StatusNotModified)
		req.forwardHeaders = append(req.forwardHeaders, defaultCacheForwardHeaders...)
	}

	headers, berr := joinHeaders(r.Header)
	if berr != nil {
		return nil, berr
	}

	rawURL := headers.Get("X-Bare-URL")
	if rawURL == "" {
		return nil, missingHeader("x-bare-url")
	}
	remote, err := url.Parse(rawURL)
	if err != nil || (remote.Scheme != "http" && remote.Scheme != "https") || remote.Host == "" {
		return nil, invalidHeader("x-bare-url", "Invalid URL.")
	}
	req.remote = remote

	rawHeaders := headers.Get("X-Bare-Headers")
	if rawHeaders == "" {
		return nil, missingHeader("x-bare-headers")
	}
	if berr := decodeSendHeaders(rawHeaders, req.sendHeaders); berr != nil {
		return nil, berr
	}

	if v := headers.Get("X-Bare-Pass-Status"); v != "" {
		for _, s := range listSeparator.Split(v, -1) {
			code, err := strconv.Atoi(s)
			if err != nil {
				return nil, invalidHeader("x-bare-pass-status", "Array contained non-number value.")
			}
			req.passStatus = append(req.passStatus, code)
		}
	}

	if v := headers.Get("X-Bare-Pass-Headers"); v != "" {
		for _, h := range listSeparator.Split(v, -1) {
			h = strings.ToLower(h)
			if slices.Contains(forbiddenPassHeaders, h) {
				return nil, forbiddenHeader("x-bare-pass-headers", "A forbidden header was passed.")
			}
			req.passHeaders = append(req.passHeaders, h)
		}
	}

	if v := headers.Get("X-Bare-Forward-Headers"); v != "" {
		for _, h := range listSeparator.Split(v, -1) {
			h = strings.ToLower(h)
			if slices.Contains(forbiddenForwardHeaders, h) {
				return nil, forbiddenHeader("x-bare-forward-headers", "A forbidden header was forwarded.")
			}
			req.forwardHeaders = append(req.forwardHeaders, h)
		}
	}

	return req, nil
}

// decodeSendHeaders fills dst from the X-Bare-Headers JSON object. Values
// are strings or arrays of strings.
func decodeSendHeaders(raw string, dst http.Header) *Error {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return invalidHeader("x-bare-headers", "Header contained invalid JSON.")
	}

	for name, value := range fields {
		if slices.Contains(forbiddenSendHeaders, strings.ToLower(name)) {
			continue
		}
		switch v := value.(type) {
		case string:
			dst.Set(name, v)
		case []any:
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return newError(http.StatusBadRequest, "INVALID_BARE_HEADER", "bare.headers."+name,
						"Header value must be a string or an array of strings.")
				}
				dst.Add(name, s)
			}
		default:
			return newError(http.StatusBadRequest, "INVALID_BARE_HEADER", "bare.headers."+name,
				"Header value must be a string or an array of strings.")
		}
	}
	return nil
}

// forward copies the named headers from src into dst.
func forward(names []string, src, dst http.Header) {
	for _, name := range names {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

// encodeRemoteHeaders renders remote response headers as the X-Bare-Headers
// JSON object. Set-Cookie keeps every value; other headers are joined.
func encodeRemoteHeaders(h http.Header) (string, error) {
	out := make(map[string]any, len(h))
	for name, values := range h {
		if strings.EqualFold(name, "Set-Cookie") {
			out[name] = values
		} else {
			out[name] = strings.Join(values, ", ")
		}
	}
	b, err := json.Marshal(out)
	return string(b), err
}

// splitHeaders moves an oversized X-Bare-Headers value into numbered
// X-Bare-Headers-N chunks, each prefixed with a semicolon.
func splitHeaders(h http.Header) {
	value := h.Get("X-Bare-Headers")
	if len(value) <= maxHeaderValue {
		return
	}
	h.Del("X-Bare-Headers")
	for i, n := 0, 0; i < len(value); i, n = i+maxHeaderValue, n+1 {
		end := min(i+maxHeaderValue, len(value))
		h.Set(fmt.Sprintf("X-Bare-Headers-%d", n), ";"+value[i:end])
	}
}

// joinHeaders reassembles numbered X-Bare-Headers-N chunks, in order, into
// a single X-Bare-Headers value. h is not modified.
func joinHeaders(h http.Header) (http.Header, *Error) {
	if h.Get("X-Bare-Headers-0") == "" {
		return h, nil
	}

	out := h.Clone()
	var joined strings.Builder
	for n := 0; ; n++ {
		name := fmt.Sprintf("X-Bare-Headers-%d", n)
		value := h.Get(name)
		if value == "" {
			break
		}
		if !strings.HasPrefix(value, ";") {
			return nil, invalidHeader(strings.ToLower(name), "Value didn't begin with semi-colon.")
		}
		joined.WriteString(value[1:])
		out.Del(name)
	}
	out.Set("X-Bare-Headers", joined.String())
	return out, nil
}
