// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"os"
	"sort"
	"time"
)

func New(version string) *Catalog {
	return &Catalog{Version: version, LastUpdated: time.Now().UTC().Format(time.RFC3339)}
}

func (c *Catalog) Add(s Subscription) {
	c.Subscriptions = append(c.Subscriptions, s)
}

// ForChannel returns the subscriptions on channel in registration order.
func (c *Catalog) ForChannel(channel string) []Subscription {
	var out []Subscription
	for _, s := range c.Subscriptions {
		if s.Channel == channel {
			out = append(out, s)
		}
	}
	return out
}

// Channels returns the distinct channels, sorted.
func (c *Catalog) Channels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range c.Subscriptions {
		if !seen[s.Channel] {
			seen[s.Channel] = true
			out = append(out, s.Channel)
		}
	}
	sort.Strings(out)
	return out
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	err = json.Unmarshal(data, &c)
	return &c, err
}

func (c *Catalog) WriteFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
