package httpapi

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hamed0406/listingwatch/internal/domain"
)

func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Hostname() != ""
}

// normalizeHTTPURL lowercases scheme and host, drops default ports and a
// bare trailing slash.
func normalizeHTTPURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host, port := strings.ToLower(u.Hostname()), u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String()
}

type createQueryPayload struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Params          map[string]string `json:"params"`
	IntervalSeconds int               `json:"interval_seconds"`
	Active          *bool             `json:"active"`
	Target          domain.Target     `json:"target"`
}

func (p createQueryPayload) toQuery(channels []string) (*domain.MonitoredQuery, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	if p.IntervalSeconds < 0 {
		return nil, fmt.Errorf("interval_seconds cannot be negative")
	}
	if !isValidHTTPURL(p.Params["url"]) {
		return nil, fmt.Errorf("params.url must be an http(s) URL")
	}
	if p.Target.Destination == "" {
		return nil, fmt.Errorf("target.destination is required")
	}
	if !known(p.Target.Channel, channels) {
		return nil, fmt.Errorf("target.channel must be one of %v", channels)
	}

	params := make(map[string]string, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	params["url"] = normalizeHTTPURL(p.Params["url"])
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return &domain.MonitoredQuery{
		ID:              domain.QueryID(p.ID),
		Name:            strings.TrimSpace(p.Name),
		Params:          params,
		IntervalSeconds: p.IntervalSeconds,
		Active:          active,
		Target:          p.Target,
	}, nil
}

func known(channel string, channels []string) bool {
	for _, c := range channels {
		if c == channel {
			return true
		}
	}
	return false
}
