package main

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"sync"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.body.Write(b)
	return lrw.ResponseWriter.Write(b)
}

var (
	mu             sync.Mutex
	endpointCounts = make(map[string]int)
)

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Request: %s %s Authorization=%q", r.Method, r.URL.Path, r.Header.Get("Authorization"))

		var requestBody bytes.Buffer
		body, err := io.ReadAll(io.TeeReader(r.Body, &requestBody))
		if err != nil {
			log.Printf("Error reading request body: %v", err)
		}
		r.Body = io.NopCloser(&requestBody)
		if len(body) > 0 {
			log.Printf("Request Body: %s", body)
		}

		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)

		log.Printf("Response %d: %s", lrw.status, lrw.body.String())
	})
}

// countMiddleware logs how often each path was hit, which makes retries and
// duplicate cleanup calls visible.
func countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		endpointCounts[r.URL.Path]++
		count := endpointCounts[r.URL.Path]
		mu.Unlock()

		log.Printf("Endpoint %s has been called %d times", r.URL.Path, count)
		next.ServeHTTP(w, r)
	})
}
