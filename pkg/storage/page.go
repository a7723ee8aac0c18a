package storage

import (
	"sort"
	"strings"
	"time"

	"github.com/cuemby/corral/pkg/types"
)

type sortKey struct {
	key  string
	desc bool
}

// parseSort splits "key1,key2:desc" into ordered sort keys. The default
// direction is ascending.
func parseSort(s string) ([]sortKey, error) {
	if s == "" {
		return nil, nil
	}
	var keys []sortKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, dir, found := strings.Cut(part, ":")
		sk := sortKey{key: key}
		if found {
			switch dir {
			case "asc":
			case "desc":
				sk.desc = true
			default:
				return nil, types.InvalidParameter("invalid sort direction %q", dir)
			}
		}
		keys = append(keys, sk)
	}
	return keys, nil
}

// paginate sorts rows stably over the requested keys plus the row id, then
// applies the marker and limit. The field function must report false for
// keys it does not know, including when called with a nil row (used for
// validation).
func paginate[T any](rows []T, q Query, id func(T) string, field func(T, string) (string, bool)) ([]T, error) {
	keys, err := parseSort(q.Sort)
	if err != nil {
		return nil, err
	}
	var zero T
	for _, sk := range keys {
		if _, ok := field(zero, sk.key); !ok {
			return nil, types.InvalidParameter("unknown sort key %q", sk.key)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, sk := range keys {
			vi, _ := field(rows[i], sk.key)
			vj, _ := field(rows[j], sk.key)
			if vi == vj {
				continue
			}
			if sk.desc {
				return vi > vj
			}
			return vi < vj
		}
		return id(rows[i]) < id(rows[j])
	})

	if q.Marker != "" {
		for i, row := range rows {
			if id(row) == q.Marker {
				rows = rows[i+1:]
				break
			}
		}
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Per-entity id and sortable-field accessors

func profileID(p *types.Profile) string { return p.ID }

func profileField(p *types.Profile, key string) (string, bool) {
	switch key {
	case "name":
		if p == nil {
			return "", true
		}
		return p.Name, true
	case "type":
		if p == nil {
			return "", true
		}
		return p.Type, true
	case "created_at":
		if p == nil {
			return "", true
		}
		return fmtTime(p.CreatedAt), true
	case "updated_at":
		if p == nil {
			return "", true
		}
		return fmtTime(p.UpdatedAt), true
	}
	return "", false
}

func clusterID(c *types.Cluster) string { return c.ID }

func clusterField(c *types.Cluster, key string) (string, bool) {
	switch key {
	case "name":
		if c == nil {
			return "", true
		}
		return c.Name, true
	case "status":
		if c == nil {
			return "", true
		}
		return string(c.Status), true
	case "created_at":
		if c == nil {
			return "", true
		}
		return fmtTime(c.CreatedAt), true
	case "updated_at":
		if c == nil {
			return "", true
		}
		return fmtTime(c.UpdatedAt), true
	}
	return "", false
}

func nodeID(n *types.Node) string { return n.ID }

func nodeField(n *types.Node, key string) (string, bool) {
	switch key {
	case "name":
		if n == nil {
			return "", true
		}
		return n.Name, true
	case "status":
		if n == nil {
			return "", true
		}
		return string(n.Status), true
	case "created_at":
		if n == nil {
			return "", true
		}
		return fmtTime(n.CreatedAt), true
	case "updated_at":
		if n == nil {
			return "", true
		}
		return fmtTime(n.UpdatedAt), true
	}
	return "", false
}

func policyID(p *types.Policy) string { return p.ID }

func policyField(p *types.Policy, key string) (string, bool) {
	switch key {
	case "name":
		if p == nil {
			return "", true
		}
		return p.Name, true
	case "type":
		if p == nil {
			return "", true
		}
		return p.Type, true
	case "created_at":
		if p == nil {
			return "", true
		}
		return fmtTime(p.CreatedAt), true
	case "updated_at":
		if p == nil {
			return "", true
		}
		return fmtTime(p.UpdatedAt), true
	}
	return "", false
}

func actionID(a *types.Action) string { return a.ID }

func actionField(a *types.Action, key string) (string, bool) {
	switch key {
	case "name":
		if a == nil {
			return "", true
		}
		return a.Name, true
	case "status":
		if a == nil {
			return "", true
		}
		return string(a.Status), true
	case "action":
		if a == nil {
			return "", true
		}
		return string(a.Action), true
	case "created_at":
		if a == nil {
			return "", true
		}
		return fmtTime(a.CreatedAt), true
	case "updated_at":
		if a == nil {
			return "", true
		}
		return fmtTime(a.UpdatedAt), true
	}
	return "", false
}

// findByIdentity resolves a full id, a unique name, or a unique id prefix,
// in that order. Ambiguity fails with ErrMultipleChoices.
func findByIdentity[T any](rows []T, identity, otype string, id, name func(T) string) (T, error) {
	var zero T
	for _, row := range rows {
		if id(row) == identity {
			return row, nil
		}
	}

	var byName []T
	for _, row := range rows {
		if name(row) == identity {
			byName = append(byName, row)
		}
	}
	if len(byName) == 1 {
		return byName[0], nil
	}
	if len(byName) > 1 {
		return zero, types.MultipleChoices(otype, identity)
	}

	var byPrefix []T
	for _, row := range rows {
		if strings.HasPrefix(id(row), identity) {
			byPrefix = append(byPrefix, row)
		}
	}
	if len(byPrefix) == 1 {
		return byPrefix[0], nil
	}
	if len(byPrefix) > 1 {
		return zero, types.MultipleChoices(otype, identity)
	}
	return zero, types.NotFound(otype, identity)
}

func findProfile(rows []*types.Profile, identity string) (*types.Profile, error) {
	return findByIdentity(rows, identity, "profile", profileID,
		func(p *types.Profile) string { return p.Name })
}

func findCluster(rows []*types.Cluster, identity string) (*types.Cluster, error) {
	return findByIdentity(rows, identity, "cluster", clusterID,
		func(c *types.Cluster) string { return c.Name })
}

func findNode(rows []*types.Node, identity string) (*types.Node, error) {
	return findByIdentity(rows, identity, "node", nodeID,
		func(n *types.Node) string { return n.Name })
}

func findPolicy(rows []*types.Policy, identity string) (*types.Policy, error) {
	return findByIdentity(rows, identity, "policy", policyID,
		func(p *types.Policy) string { return p.Name })
}
