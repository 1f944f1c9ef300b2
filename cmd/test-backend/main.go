// Package main provides a small HTTP/1.1 origin server for exercising the
// proxy by hand: point nghttpx's -backend flag at it and drive traffic
// through the frontend.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

func main() {
	addr := flag.String("addr", ":18081", "listen address")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "hello")
	})

	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		_, _ = io.Copy(w, r.Body)
	})

	mux.HandleFunc("/headers", func(w http.ResponseWriter, r *http.Request) {
		for k, vs := range r.Header {
			for _, v := range vs {
				fmt.Fprintf(w, "%s: %s\n", k, v)
			}
		}
	})

	// Streams a chunked response of the requested size so flow control on
	// the frontend side gets exercised with more than one DATA frame.
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		n := 1 << 20
		if q := r.URL.Query().Get("bytes"); q != "" {
			if v, err := strconv.Atoi(q); err == nil && v > 0 {
				n = v
			}
		}
		chunk := make([]byte, 8192)
		for i := range chunk {
			chunk[i] = 'x'
		}
		for n > 0 {
			if n < len(chunk) {
				chunk = chunk[:n]
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			n -= len(chunk)
		}
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		fmt.Printf("test backend listening on %s\n", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("backend: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	_ = srv.Close()
}
