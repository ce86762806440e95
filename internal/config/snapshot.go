// Package config holds the immutable Config value loaded at startup and
// the ConfigSnapshot types parsed from the central policy service.
//
// Snapshots are represented as parent-owned value records: a Product
// belongs to exactly one Producer and is embedded by value; a
// Subscription belongs to exactly one Product and is embedded by value.
// Children never hold a pointer back to their parent, only an id field
// populated from the parent at parse time. This removes the
// producer/product/consumer cycle the source JSON schema suggests.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AttributeRequirement is a name/value pair a record's Security-Label
// header must carry for the record to pass the filter. Names and values
// are case-folded at parse time so every downstream comparison is exact.
type AttributeRequirement struct {
	Name  string
	Value string
}

// Subscription is a (consumer, product) grant.
type Subscription struct {
	ConsumerName string
	IdpClientID  string
	ProductName  string // owning Product's Name, for lookup convenience
	Topic        string // owning Product's Topic, for lookup convenience
	Attributes   []AttributeRequirement
}

// Product is a policy-declared offering bound to exactly one source topic.
type Product struct {
	Name         string
	Topic        string
	ProducerName string // owning Producer's Name
	Subscriptions []Subscription
}

// Peer describes a counterpart Federator instance.
type Peer struct {
	Name          string
	IdpClientID   string
	Host          string
	Port          int
	TLS           bool
	Active        bool
	ManagementNodeID string
}

// ProducerEntry is one producer declaration: a Peer plus its Products.
type ProducerEntry struct {
	Peer
	Products []Product
}

// ConsumerEntry is one consumer declaration: a Peer plus the
// subscriptions it is entitled to receive from upstream producers.
type ConsumerEntry struct {
	Peer
	Subscriptions []Subscription
}

// Snapshot is one immutable parse of a policy response, for either a
// producer or a consumer node.
type Snapshot struct {
	ClientID  string
	Producers []ProducerEntry
	Consumers []ConsumerEntry
	FetchedAt time.Time
	TTL       time.Duration
}

// wireAttribute mirrors the `attributes` array of a subscription grant.
type wireAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type wireConsumer struct {
	Name        string          `json:"name"`
	IdpClientID string          `json:"idpClientId"`
	Attributes  []wireAttribute `json:"attributes"`
}

type wireProduct struct {
	Name      string         `json:"name"`
	Topic     string         `json:"topic"`
	Consumers []wireConsumer `json:"consumers"`
}

type wirePeer struct {
	Name             string        `json:"name"`
	IdpClientID      string        `json:"idpClientId"`
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	TLS              bool          `json:"tls"`
	Active           bool          `json:"active"`
	ManagementNodeID string        `json:"managementNodeId"`
	Products         []wireProduct `json:"products"`
}

type wireSnapshot struct {
	ClientID  string     `json:"clientId"`
	Producers []wirePeer `json:"producers"`
	Consumers []wirePeer `json:"consumers"`
}

func foldAttr(a wireAttribute) AttributeRequirement {
	return AttributeRequirement{
		Name:  strings.ToLower(strings.TrimSpace(a.Name)),
		Value: strings.ToLower(strings.TrimSpace(a.Value)),
	}
}

// ParseProducerSnapshot parses a producer-config JSON body.
func ParseProducerSnapshot(body []byte, ttl time.Duration, now time.Time) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(body, &w); err != nil {
		return Snapshot{}, fmt.Errorf("parsing producer configuration: %w", err)
	}

	var out = Snapshot{ClientID: w.ClientID, FetchedAt: now, TTL: ttl}
	for _, p := range w.Producers {
		var entry = ProducerEntry{Peer: peerOf(p)}
		for _, prod := range p.Products {
			var pr = Product{Name: prod.Name, Topic: prod.Topic, ProducerName: p.Name}
			for _, c := range prod.Consumers {
				var reqs []AttributeRequirement
				for _, a := range c.Attributes {
					var fa = foldAttr(a)
					if fa.Name == "" || fa.Value == "" {
						return Snapshot{}, fmt.Errorf("malformed attribute requirement on product %q consumer %q", prod.Name, c.Name)
					}
					reqs = append(reqs, fa)
				}
				pr.Subscriptions = append(pr.Subscriptions, Subscription{
					ConsumerName: c.Name,
					IdpClientID:  c.IdpClientID,
					ProductName:  prod.Name,
					Topic:        prod.Topic,
					Attributes:   reqs,
				})
			}
			entry.Products = append(entry.Products, pr)
		}
		out.Producers = append(out.Producers, entry)
	}
	if err := validateSnapshot(out); err != nil {
		return Snapshot{}, err
	}
	return out, nil
}

// ParseConsumerSnapshot parses a consumer-config JSON body (mirror shape).
func ParseConsumerSnapshot(body []byte, ttl time.Duration, now time.Time) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(body, &w); err != nil {
		return Snapshot{}, fmt.Errorf("parsing consumer configuration: %w", err)
	}

	var out = Snapshot{ClientID: w.ClientID, FetchedAt: now, TTL: ttl}
	for _, c := range w.Consumers {
		var entry = ConsumerEntry{Peer: peerOf(c)}
		for _, prod := range c.Products {
			for _, sub := range prod.Consumers {
				var reqs []AttributeRequirement
				for _, a := range sub.Attributes {
					reqs = append(reqs, foldAttr(a))
				}
				entry.Subscriptions = append(entry.Subscriptions, Subscription{
					ConsumerName: sub.Name,
					IdpClientID:  sub.IdpClientID,
					ProductName:  prod.Name,
					Topic:        prod.Topic,
					Attributes:   reqs,
				})
			}
		}
		out.Consumers = append(out.Consumers, entry)
	}
	return out, nil
}

func peerOf(w wirePeer) Peer {
	return Peer{
		Name:             w.Name,
		IdpClientID:      w.IdpClientID,
		Host:             w.Host,
		Port:             w.Port,
		TLS:              w.TLS,
		Active:            w.Active,
		ManagementNodeID: w.ManagementNodeID,
	}
}

// validateSnapshot enforces "self-consistent, no dangling references":
// every product belongs to exactly one producer, and peer addresses are
// unique.
func validateSnapshot(s Snapshot) error {
	var seenAddr = make(map[string]string)
	for _, p := range s.Producers {
		var addr = fmt.Sprintf("%s:%d", p.Host, p.Port)
		if owner, ok := seenAddr[addr]; ok && owner != p.Name {
			return fmt.Errorf("address %s claimed by both peer %q and %q", addr, owner, p.Name)
		}
		seenAddr[addr] = p.Name
		if p.Name == "" {
			return fmt.Errorf("producer entry missing name")
		}
		for _, prod := range p.Products {
			if prod.Topic == "" {
				return fmt.Errorf("product %q missing topic", prod.Name)
			}
		}
	}
	return nil
}

// AllProducersConsumerIDs returns the set of consumer idpClientIds
// authorised against any product of any producer entry.
func (s Snapshot) AllProducersConsumerIDs() map[string]struct{} {
	var out = make(map[string]struct{})
	for _, p := range s.Producers {
		for _, prod := range p.Products {
			for _, sub := range prod.Subscriptions {
				out[strings.ToLower(sub.IdpClientID)] = struct{}{}
			}
		}
	}
	return out
}

// ProductByTopic finds the Product serving topic across all producer
// entries in the snapshot.
func (s Snapshot) ProductByTopic(topic string) (Product, bool) {
	for _, p := range s.Producers {
		for _, prod := range p.Products {
			if prod.Topic == topic {
				return prod, true
			}
		}
	}
	return Product{}, false
}
