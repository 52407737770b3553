package notify

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/borgitory/borgitory/errors"
)

// pushoverEndpoint is the default Pushover message API. A config may
// override it with a "url" key.
const pushoverEndpoint = "https://api.pushover.net/1/messages.json"

// Provider describes one notification transport: how to find its endpoint
// in a decrypted config map, how to shape the request body, and which
// config fields hold secrets and must be encrypted at rest.
type Provider struct {
	Name string

	// SensitiveFields enumerates config keys encrypted inside the stored
	// provider_config_json blob.
	SensitiveFields []string

	endpoint func(cfg map[string]string) (string, error)
	payload  func(cfg map[string]string, msg Message) (contentType string, body []byte, err error)
}

// providers is the declarative provider table. Built once; read-only.
var providers = map[string]Provider{
	"pushover": {
		Name:            "pushover",
		SensitiveFields: []string{"token", "user"},
		endpoint: func(cfg map[string]string) (string, error) {
			if u := cfg["url"]; u != "" {
				return u, nil
			}
			return pushoverEndpoint, nil
		},
		payload: func(cfg map[string]string, msg Message) (string, []byte, error) {
			if cfg["token"] == "" || cfg["user"] == "" {
				return "", nil, errors.New("pushover config needs token and user")
			}
			form := url.Values{}
			form.Set("token", cfg["token"])
			form.Set("user", cfg["user"])
			form.Set("title", msg.Title)
			form.Set("message", msg.Body)
			if msg.Priority != 0 {
				form.Set("priority", strconv.Itoa(msg.Priority))
			}
			if device := cfg["device"]; device != "" {
				form.Set("device", device)
			}
			return "application/x-www-form-urlencoded", []byte(form.Encode()), nil
		},
	},
	"discord": {
		Name:            "discord",
		SensitiveFields: []string{"webhook_url"},
		endpoint:        webhookURL("webhook_url"),
		payload: func(cfg map[string]string, msg Message) (string, []byte, error) {
			body, err := json.Marshal(map[string]interface{}{
				"content": formatTitled(msg),
			})
			if err != nil {
				return "", nil, errors.Wrap(err, "failed to encode discord payload")
			}
			return "application/json", body, nil
		},
	},
	// webhook is the generic slack-compatible JSON POST.
	"webhook": {
		Name:            "webhook",
		SensitiveFields: []string{"url"},
		endpoint:        webhookURL("url"),
		payload: func(cfg map[string]string, msg Message) (string, []byte, error) {
			body, err := json.Marshal(map[string]interface{}{
				"text": formatTitled(msg),
			})
			if err != nil {
				return "", nil, errors.Wrap(err, "failed to encode webhook payload")
			}
			return "application/json", body, nil
		},
	},
}

// Lookup resolves a provider by tag.
func Lookup(name string) (Provider, bool) {
	p, ok := providers[strings.ToLower(name)]
	return p, ok
}

// Providers lists the known provider tags.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

func webhookURL(key string) func(cfg map[string]string) (string, error) {
	return func(cfg map[string]string) (string, error) {
		raw := cfg[key]
		if raw == "" {
			return "", errors.Newf("config is missing %q", key)
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return "", errors.Wrapf(err, "invalid %q", key)
		}
		return raw, nil
	}
}

func formatTitled(msg Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	var b bytes.Buffer
	b.WriteString("**")
	b.WriteString(msg.Title)
	b.WriteString("**\n")
	b.WriteString(msg.Body)
	return b.String()
}
