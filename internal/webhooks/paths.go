package webhooks

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Providers disagree on envelope shape, so fields are found by probing dotted
// paths in priority order. Numeric segments index into arrays.
var (
	defaultCorrelationPaths = []string{
		"txid",
		"charge_id",
		"chargeId",
		"pix.0.txid",
		"data.txid",
		"data.charge_id",
		"data.chargeId",
		"data.object.payment.id",
		"data.id",
		"resource.txid",
		"resource.id",
		"payment.id",
	}
	// Where providers echo the order id sent with the charge.
	defaultReferencePaths = []string{
		"data.object.payment.reference_id",
		"reference_id",
		"data.reference_id",
		"payment.reference_id",
	}
	defaultStatusPaths = []string{
		"status",
		"pix.0.status",
		"data.object.payment.status",
		"data.status",
		"resource.status",
		"payment.status",
		"event.status",
	}
)

// PathSet is the ordered list of candidate paths for the correlation key, the
// status and the echoed order reference.
type PathSet struct {
	Correlation []string
	Status      []string
	Reference   []string
}

// DefaultPaths returns the built-in paths. Extra paths take priority over the
// defaults so a deployment can teach the reconciler a new envelope.
func DefaultPaths(extraCorrelation, extraStatus []string) PathSet {
	return PathSet{
		Correlation: mergePaths(extraCorrelation, defaultCorrelationPaths),
		Status:      mergePaths(extraStatus, defaultStatusPaths),
		Reference:   mergePaths(nil, defaultReferencePaths),
	}
}

func mergePaths(first, then []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(first)+len(then))
	for _, group := range [][]string{first, then} {
		for _, p := range group {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Extract returns the first non-blank correlation key and status found in tree.
func (p PathSet) Extract(tree any) (key, status string) {
	return firstMatch(tree, p.Correlation), firstMatch(tree, p.Status)
}

// ExtractReference returns the echoed order reference, if any.
func (p PathSet) ExtractReference(tree any) string {
	return firstMatch(tree, p.Reference)
}

func firstMatch(tree any, paths []string) string {
	for _, path := range paths {
		if v, ok := lookup(tree, path); ok {
			return v
		}
	}
	return ""
}

func lookup(tree any, path string) (string, bool) {
	node := tree
	for _, segment := range strings.Split(path, ".") {
		switch typed := node.(type) {
		case map[string]any:
			next, ok := typed[segment]
			if !ok {
				return "", false
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(typed) {
				return "", false
			}
			node = typed[idx]
		default:
			return "", false
		}
	}
	return scalar(node)
}

func scalar(node any) (string, bool) {
	switch v := node.(type) {
	case string:
		s := strings.TrimSpace(v)
		return s, s != ""
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}
