// Package filter implements the Dispatcher's attribute filter, modeled
// as a closed variant type rather than dynamically loadable filter
// classes.
package filter

import (
	"strings"

	"github.com/estuary/federator/internal/config"
)

// SecurityLabelHeader is the exact header name carrying filter attributes.
const SecurityLabelHeader = "Security-Label"

// Filter is the capability interface every filter kind satisfies.
type Filter interface {
	// Allow reports whether headers pass the filter.
	Allow(headers map[string][]string) bool
	// Close releases any resources the filter holds. All current kinds
	// are stateless and Close is a no-op, but the interface keeps the
	// door open for kinds that aren't (e.g. a future compiled-expression
	// filter caching parsed state).
	Close()
}

// noneFilter allows nothing (rejects all records).
type noneFilter struct{}

func (noneFilter) Allow(map[string][]string) bool { return false }
func (noneFilter) Close()                          {}

// allFilter allows everything, used when filter.shareAll is set or a
// subscription has no attribute requirements.
type allFilter struct{}

func (allFilter) Allow(map[string][]string) bool { return true }
func (allFilter) Close()                          {}

// attributeAndFilter requires every AttributeRequirement to be satisfied
// by a comma-separated name=value pair in the Security-Label header.
type attributeAndFilter struct {
	requirements []config.AttributeRequirement
}

func (f attributeAndFilter) Allow(headers map[string][]string) bool {
	var values = headers[SecurityLabelHeader]
	if len(values) == 0 {
		return false
	}

	var present = parseLabel(values[0])
	for _, req := range f.requirements {
		var got, ok = present[req.Name]
		if !ok || got != req.Value {
			return false
		}
	}
	return true
}

func (attributeAndFilter) Close() {}

// parseLabel splits a Security-Label value into a case-folded name/value
// map. Malformed pairs (missing '=') are skipped, which leaves their
// name absent and so any requirement on that name still fails closed.
func parseLabel(raw string) map[string]string {
	var out = make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		var eq = strings.IndexByte(pair, '=')
		if eq < 0 {
			continue
		}
		var name = strings.ToLower(strings.TrimSpace(pair[:eq]))
		var value = strings.ToLower(strings.TrimSpace(pair[eq+1:]))
		out[name] = value
	}
	return out
}

// New builds the Filter appropriate for a subscription's attribute
// requirements. shareAll forces an allFilter regardless of requirements,
// per the `filter.shareAll` config property.
func New(requirements []config.AttributeRequirement, shareAll bool) Filter {
	if shareAll || len(requirements) == 0 {
		return allFilter{}
	}
	return attributeAndFilter{requirements: requirements}
}

// None returns a filter that rejects every record. The Dispatcher does
// not use it: a caller with no matching subscription is refused with
// NOT_FOUND before any filter is built.
func None() Filter { return noneFilter{} }
