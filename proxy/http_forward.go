package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
)

// forwardHTTP proxies a single HTTP request to rt's upstream, retrying up
// to twice with backoff (50ms, 200ms) on connection failure before
// returning 502.
func (r *Router) forwardHTTP(w http.ResponseWriter, req *http.Request, rt route) {
	upstreamURL := fmt.Sprintf("http://%s:%d%s", rt.upstreamHost, rt.upstreamPort, req.URL.RequestURI())

	ctx, cancel := context.WithTimeout(req.Context(), r.idleTimeout)
	defer cancel()

	// Buffer the body up front so each retry attempt gets its own fresh
	// reader; the first client.Do consumes and closes whatever Body the
	// request carries, leaving a reused request empty on retry otherwise.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			http.Error(w, "Internal proxy error", http.StatusInternalServerError)
			return
		}
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL, bytes.NewReader(bodyBytes))
	if err != nil {
		http.Error(w, "Internal proxy error", http.StatusInternalServerError)
		return
	}
	outReq.Header = req.Header.Clone()
	outReq.Header.Del("Host")
	appendForwardedFor(outReq, req)

	client := &http.Client{Timeout: r.idleTimeout}

	backoffs := []time.Duration{0, retryBackoffFirst, retryBackoffSecond}
	var resp *http.Response
	for attempt, wait := range backoffs {
		if wait > 0 {
			time.Sleep(wait)
		}
		outReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		resp, err = client.Do(outReq)
		if err == nil {
			break
		}
		if !isConnErr(err) || attempt == len(backoffs)-1 {
			break
		}
		logger.Warn("proxy upstream retry", zap.String("upstream", upstreamURL), zap.Int("attempt", attempt+1))
	}
	if err != nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	setCORSHeaders(w)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn("proxy response copy failed", zap.String("upstream", upstreamURL), zap.Error(err))
	}
}

func appendForwardedFor(outReq, origReq *http.Request) {
	clientIP, _, err := net.SplitHostPort(origReq.RemoteAddr)
	if err != nil {
		clientIP = origReq.RemoteAddr
	}
	if existing := outReq.Header.Get("X-Forwarded-For"); existing != "" {
		outReq.Header.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}
	outReq.Header.Set("X-Forwarded-Host", origReq.Host)
	outReq.Header.Set("X-Forwarded-Proto", "http")
}

func isConnErr(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, context.DeadlineExceeded)
}
