// ABOUTME: Minimal fake chat backend for E2E testing — streams event:/data: frames over HTTP.
// ABOUTME: Usage: fake-backend [-addr localhost:8090] [-mode echo|limit|malformed|drop]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:8090", "listen address")
	mode := flag.String("mode", "echo", "response mode: echo, limit, malformed, drop")
	delay := flag.Duration("delay", 50*time.Millisecond, "delay between tokens")
	flag.Parse()

	if err := run(*addr, *mode, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, mode string, delay time.Duration) error {
	b := &backend{mode: mode, delay: delay, seenKeys: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/stream", b.handleStream)
	mux.HandleFunc("/api/templates/", b.handleTemplate)
	mux.HandleFunc("/api/version", b.handleVersion)
	mux.HandleFunc("/api/conversations/", b.handleSuggestions)

	server := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake backend listening on %s (mode: %s)\n", addr, mode)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type backend struct {
	mode  string
	delay time.Duration

	mu       sync.Mutex
	seenKeys map[string]bool
	convSeq  int
}

func (b *backend) handleStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		Message        string `json:"message"`
		Model          string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	if b.mode == "limit" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":"monthly message limit reached","code":"limit_exceeded"}`)
		return
	}

	// Duplicate idempotency keys still succeed, but loudly: the client is
	// supposed to never resend a delivered key.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		b.mu.Lock()
		if b.seenKeys[key] {
			log.Printf("DUPLICATE idempotency key: %s", key)
		}
		b.seenKeys[key] = true
		b.mu.Unlock()
	}

	convID := req.ConversationID
	if convID == "" {
		b.mu.Lock()
		b.convSeq++
		convID = fmt.Sprintf("conv-%d", b.convSeq)
		b.mu.Unlock()
		w.Header().Set("X-Conversation-Id", convID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)

	log.Printf("streaming reply [%s]: %s", convID, req.Message)

	send := func(frame string) {
		fmt.Fprint(w, frame)
		flusher.Flush()
		time.Sleep(b.delay)
	}

	if b.mode == "drop" {
		send("data: {\"token\":\"I was about to sa\"}\n\n")
		// Hijack and slam the connection mid-response.
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			conn.Close()
		}
		return
	}

	tokens := tokenize(echoReply(req.Message))
	for i, token := range tokens {
		if b.mode == "malformed" && i == 1 {
			send("data: {not json at all\n\n")
		}
		payload, _ := json.Marshal(map[string]string{"token": token})
		send(fmt.Sprintf("event: message\ndata: %s\n\n", payload))
	}

	if strings.Contains(strings.ToLower(req.Message), "search") {
		send("event: source_list\ndata: {\"sources\":[{\"url\":\"https://example.gov/guide\",\"title\":\"Official guide\"}]}\n\n")
	}
	send("event: suggestion_list\ndata: {\"suggestions\":[\"Tell me more\",\"What are the deadlines?\"]}\n\n")
	send("data: [DONE]\n\n")
}

func (b *backend) handleTemplate(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/templates/")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"title": "Template: " + name,
		"body":  fmt.Sprintf("Dear Sir or Madam,\n\nI am writing regarding %s.\n\nSincerely,\n[Your name]", name),
	})
}

func (b *backend) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": "99.0.0"})
}

func (b *backend) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{
		"suggestions": {"How do I appeal?", "Where do I send the form?"},
	})
}

// tokenize splits a reply into word-ish chunks so the stream looks like
// incremental generation.
func tokenize(s string) []string {
	words := strings.SplitAfter(s, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "benefit") || strings.Contains(lower, "allowance") {
		return "Based on what you told me, you may be eligible for housing allowance. You can apply online or at your local office."
	}
	return fmt.Sprintf("You asked: %s. Here is a detailed answer streamed token by token.", input)
}
