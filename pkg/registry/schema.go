// pkg/registry/schema.go
package registry

// Catalog lists which handler consumes which bus channel.
type Catalog struct {
	Version       string         `json:"version"`
	LastUpdated   string         `json:"lastUpdated"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type Subscription struct {
	Channel     string `json:"channel"`
	Handler     string `json:"handler"`
	Description string `json:"description"`
	// Ingress is set for channels fed by the webhook rather than by the engine.
	Ingress bool `json:"ingress,omitempty"`
}
