package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
)

// bufferedResponse collects a handler's response for the proxy reply.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// proxyHandler adapts h to API Gateway HTTP API (v2) events.
func proxyHandler(h http.Handler) func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	return func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		body := []byte(req.Body)
		if req.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest}, nil
			}
			body = decoded
		}

		target := req.RawPath
		if target == "" {
			target = "/"
		}
		if req.RawQueryString != "" {
			target += "?" + req.RawQueryString
		}
		r, err := http.NewRequestWithContext(ctx, req.RequestContext.HTTP.Method, target, bytes.NewReader(body))
		if err != nil {
			return events.APIGatewayV2HTTPResponse{}, fmt.Errorf("building request: %w", err)
		}
		for k, v := range req.Headers {
			r.Header.Set(k, v)
		}
		if len(req.Cookies) > 0 {
			r.Header.Set("Cookie", strings.Join(req.Cookies, "; "))
		}
		r.ContentLength = int64(len(body))
		r.RemoteAddr = req.RequestContext.HTTP.SourceIP
		r.RequestURI = target

		w := &bufferedResponse{header: make(http.Header)}
		h.ServeHTTP(w, r)
		if w.status == 0 {
			w.status = http.StatusOK
		}

		resp := events.APIGatewayV2HTTPResponse{
			StatusCode: w.status,
			Headers:    make(map[string]string, len(w.header)),
		}
		for k, vs := range w.header {
			resp.Headers[k] = strings.Join(vs, ",")
		}
		if utf8.Valid(w.body.Bytes()) {
			resp.Body = w.body.String()
		} else {
			resp.Body = base64.StdEncoding.EncodeToString(w.body.Bytes())
			resp.IsBase64Encoded = true
		}
		return resp, nil
	}
}
