package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Usage:
//
//	cli             interactive: add a monitored query
//	cli scan [id]   force a scan of one query, or all
//	cli pending     list undelivered notifications
func main() {
	_ = godotenv.Load()
	api := strings.TrimRight(env("API_BASE", "http://localhost:8080"), "/")
	key := os.Getenv("API_KEY")
	client := &http.Client{Timeout: 10 * time.Second}

	args := os.Args[1:]
	var err error
	switch {
	case len(args) == 0:
		err = add(client, api, key, bufio.NewReader(os.Stdin))
	case args[0] == "scan" && len(args) == 1:
		err = call(client, http.MethodPost, api+"/api/scan", key, nil)
	case args[0] == "scan":
		err = call(client, http.MethodPost, api+"/api/queries/"+url.PathEscape(args[1])+"/scan", key, nil)
	case args[0] == "pending":
		err = call(client, http.MethodGet, api+"/api/notifications/pending", key, nil)
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func add(client *http.Client, api, key string, in *bufio.Reader) error {
	ask := func(prompt string) string {
		fmt.Print(prompt)
		s, _ := in.ReadString('\n')
		return strings.TrimSpace(s)
	}

	name := ask("Name for this search (e.g., road bikes): ")
	raw := ask("Marketplace search URL: ")
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	if _, err := url.ParseRequestURI(raw); err != nil {
		return fmt.Errorf("invalid URL")
	}
	channel := ask("Channel (telegram, slack, amqp) [telegram]: ")
	if channel == "" {
		channel = "telegram"
	}
	dest := ask("Destination (chat id, webhook URL or routing key): ")
	thread := ask("Thread id (optional): ")

	body := map[string]any{
		"name":   name,
		"params": map[string]string{"url": raw},
		"target": map[string]string{"channel": channel, "destination": dest, "thread": thread},
	}
	if err := call(client, http.MethodPost, api+"/api/queries", key, body); err != nil {
		return err
	}
	fmt.Println("Added! The next scheduler tick picks it up; GET /api/queries shows its status.")
	return nil
}

func call(client *http.Client, method, target, key string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, target, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting API: %w", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API returned %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	if len(out) > 0 {
		fmt.Println(strings.TrimSpace(string(out)))
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
