// Package notify publishes lifecycle events (a domain accepted for
// crawling) to an external topic,
// adapted from the teacher's own queue-provider notification path: a
// crawl's metadata write was always followed by a best-effort publish to
// Pub/Sub so downstream consumers could react without polling Postgres.
package notify

import "context"

// Publisher publishes payload to topic and returns a provider-assigned
// message ID, grounded on the teacher's publisher.Publisher shape.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// DomainSubmitted is published when a new domain is accepted for crawling.
type DomainSubmitted struct {
	Domain string `json:"domain"`
	Status string `json:"status"`
}

// AuthorityRunCompleted is the payload of a PageRank/TrustRank pass
// event; authority.Engine does not publish it.
type AuthorityRunCompleted struct {
	URLs  int `json:"urls"`
	Edges int `json:"edges"`
}

// Noop discards every publish, used when no PubSubTopic is configured.
type Noop struct{}

// Publish is a no-op.
func (Noop) Publish(context.Context, string, any) (string, error) { return "", nil }
