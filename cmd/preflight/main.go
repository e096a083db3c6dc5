// cmd/preflight/main.go
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/hamed0406/listingwatch/internal/reload"
)

func main() {
	_ = godotenv.Load()

	failed := false
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		failed = true
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }
	get := func(k string) string { return strings.TrimSpace(os.Getenv(k)) }

	admin, pub := get("ADMIN_API_KEYS"), get("PUBLIC_API_KEYS")
	if admin == "" {
		fail("ADMIN_API_KEYS is empty (admin routes are open to anyone).")
	}
	if pub == "" {
		warn("PUBLIC_API_KEYS is empty (read routes accept admin keys only).")
	}
	// Normalize and sanity-check lists (no spaces around commas).
	for name, v := range map[string]string{"ADMIN_API_KEYS": admin, "PUBLIC_API_KEYS": pub} {
		if strings.Contains(v, " ") {
			warn(name + " contains spaces; use comma-separated with no spaces, e.g. key1,key2")
		}
	}

	if addr := get("ADDR"); addr == "" {
		warn("ADDR is empty; defaulting to 127.0.0.1:8080.")
	} else {
		ok("ADDR=" + addr)
	}

	switch {
	case get("DATABASE_URL") != "":
		ok("DATABASE_URL present (postgres store)")
	case get("SQLITE_PATH") != "":
		ok("SQLITE_PATH=" + get("SQLITE_PATH"))
	default:
		warn("no DATABASE_URL or SQLITE_PATH; seen items and queue are lost on restart.")
	}

	channels := 0
	if get("TELEGRAM_TOKEN") != "" {
		channels++
		ok("telegram channel enabled")
	}
	if get("AMQP_URL") != "" {
		channels++
		ok("amqp channel enabled")
	}
	if get("SLACK_ENABLED") != "false" {
		channels++
		ok("slack channel enabled")
	}
	if channels == 0 {
		fail("no messaging channel configured.")
	}

	endpoints := 0
	if path := get("RUNTIME_CONFIG_FILE"); path != "" {
		n, err := checkRuntimeFile(path)
		if err != nil {
			fail(err.Error())
		} else {
			endpoints = n
			ok("RUNTIME_CONFIG_FILE valid (" + path + ")")
		}
	}
	if probe := get("SOURCE_PROBE_URL"); probe == "" {
		if endpoints > 0 {
			warn("SOURCE_PROBE_URL is empty; proxies are validated against the first active query's url and fail while no query exists.")
		} else {
			warn("SOURCE_PROBE_URL is empty; proxy validation will use the first active query's url.")
		}
	} else if u, err := url.Parse(probe); err != nil || u.Host == "" {
		fail("SOURCE_PROBE_URL is not a valid URL.")
	} else {
		ok("SOURCE_PROBE_URL=" + probe)
	}

	if allowed := get("CORS_ORIGINS"); allowed == "" {
		warn("CORS_ORIGINS empty; the API allows every origin.")
	} else {
		ok("CORS_ORIGINS=" + allowed)
	}

	if failed {
		os.Exit(1)
	}
	ok("preflight passed")
}

// checkRuntimeFile validates the YAML runtime config and returns the
// number of proxy endpoints it declares.
func checkRuntimeFile(path string) (int, error) {
	rc, err := reload.FileSource{Path: path}.Fetch(context.Background())
	if err != nil {
		return 0, fmt.Errorf("RUNTIME_CONFIG_FILE: %v", err)
	}
	if err := rc.Settings.Validate(); err != nil {
		return 0, fmt.Errorf("RUNTIME_CONFIG_FILE: %v", err)
	}
	return len(rc.Settings.Proxies.Endpoints), nil
}
