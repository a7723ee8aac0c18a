package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/corral/pkg/types"
)

var (
	// Bucket names
	bucketProfiles     = []byte("profiles")
	bucketClusters     = []byte("clusters")
	bucketNodes        = []byte("nodes")
	bucketPolicies     = []byte("policies")
	bucketBindings     = []byte("bindings")
	bucketActions      = []byte("actions")
	bucketClusterLocks = []byte("cluster_locks")
	bucketNodeLocks    = []byte("node_locks")
	bucketServices     = []byte("services")
	bucketCredentials  = []byte("credentials")
	bucketRegistry     = []byte("health_registry")
	bucketEvents       = []byte("events")
)

// BoltStore implements Store using bbolt
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the corral database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "corral.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProfiles,
			bucketClusters,
			bucketNodes,
			bucketPolicies,
			bucketBindings,
			bucketActions,
			bucketClusterLocks,
			bucketNodeLocks,
			bucketServices,
			bucketCredentials,
			bucketRegistry,
			bucketEvents,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// visible applies project scoping: non-admin callers only see rows of their
// own project
func visible(ctx types.Context, project string) bool {
	return ctx.IsAdmin || ctx.Project == project
}

// Profile operations

func (s *BoltStore) CreateProfile(profile *types.Profile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketProfiles), profile.ID, profile)
	})
}

func (s *BoltStore) GetProfile(ctx types.Context, id string) (*types.Profile, error) {
	var profile types.Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get([]byte(id))
		if data == nil {
			return types.NotFound("profile", id)
		}
		return json.Unmarshal(data, &profile)
	})
	if err != nil {
		return nil, err
	}
	if !profile.DeletedAt.IsZero() || !visible(ctx, profile.Project) {
		return nil, types.NotFound("profile", id)
	}
	return &profile, nil
}

func (s *BoltStore) FindProfile(ctx types.Context, identity string) (*types.Profile, error) {
	profiles, err := s.ListProfiles(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return findProfile(profiles, identity)
}

func (s *BoltStore) ListProfiles(ctx types.Context, q Query) ([]*types.Profile, error) {
	var profiles []*types.Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			var profile types.Profile
			if err := json.Unmarshal(v, &profile); err != nil {
				return err
			}
			if profile.DeletedAt.IsZero() && visible(ctx, profile.Project) {
				profiles = append(profiles, &profile)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginate(profiles, q, profileID, profileField)
}

func (s *BoltStore) UpdateProfile(profile *types.Profile) error {
	return s.CreateProfile(profile)
}

// DeleteProfile tombstones a profile unless a live cluster or node still
// references it
func (s *BoltStore) DeleteProfile(id string, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NotFound("profile", id)
		}
		var profile types.Profile
		if err := json.Unmarshal(data, &profile); err != nil {
			return err
		}
		if !profile.DeletedAt.IsZero() {
			return types.NotFound("profile", id)
		}

		busy := false
		err := tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			if cluster.DeletedAt.IsZero() && cluster.ProfileID == id {
				busy = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !busy {
			err = tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
				var node types.Node
				if err := json.Unmarshal(v, &node); err != nil {
					return err
				}
				if node.DeletedAt.IsZero() && node.ProfileID == id {
					busy = true
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if busy {
			return fmt.Errorf("%w: profile %q is referenced by live objects", types.ErrResourceBusy, id)
		}

		profile.DeletedAt = ts
		return putJSON(b, id, &profile)
	})
}

// Cluster operations

func (s *BoltStore) CreateCluster(cluster *types.Cluster) error {
	if cluster.NextIndex < 1 {
		cluster.NextIndex = 1
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketClusters), cluster.ID, cluster)
	})
}

func (s *BoltStore) GetCluster(ctx types.Context, id string) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get([]byte(id))
		if data == nil {
			return types.NotFound("cluster", id)
		}
		return json.Unmarshal(data, &cluster)
	})
	if err != nil {
		return nil, err
	}
	if !cluster.DeletedAt.IsZero() || !visible(ctx, cluster.Project) {
		return nil, types.NotFound("cluster", id)
	}
	return &cluster, nil
}

func (s *BoltStore) FindCluster(ctx types.Context, identity string) (*types.Cluster, error) {
	clusters, err := s.ListClusters(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return findCluster(clusters, identity)
}

func (s *BoltStore) ListClusters(ctx types.Context, q Query) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			if cluster.DeletedAt.IsZero() && visible(ctx, cluster.Project) {
				clusters = append(clusters, &cluster)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginate(clusters, q, clusterID, clusterField)
}

func (s *BoltStore) UpdateCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketClusters), cluster.ID, cluster)
	})
}

func (s *BoltStore) ClusterNextIndex(id string) (int, error) {
	var index int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NotFound("cluster", id)
		}
		var cluster types.Cluster
		if err := json.Unmarshal(data, &cluster); err != nil {
			return err
		}
		index = cluster.NextIndex
		cluster.NextIndex++
		return putJSON(b, id, &cluster)
	})
	return index, err
}

func (s *BoltStore) SoftDeleteCluster(id string, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketClusters)
		data := cb.Get([]byte(id))
		if data == nil {
			return types.NotFound("cluster", id)
		}
		var cluster types.Cluster
		if err := json.Unmarshal(data, &cluster); err != nil {
			return err
		}
		cluster.DeletedAt = ts
		cluster.UpdatedAt = ts
		if err := putJSON(cb, id, &cluster); err != nil {
			return err
		}

		// Member nodes are tombstoned in the same transaction. Collect
		// first: a bucket must not be modified during ForEach.
		nb := tx.Bucket(bucketNodes)
		var members []*types.Node
		err := nb.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.ClusterID == id && node.DeletedAt.IsZero() {
				members = append(members, &node)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, node := range members {
			node.DeletedAt = ts
			node.UpdatedAt = ts
			if err := putJSON(nb, node.ID, node); err != nil {
				return err
			}
		}
		return nil
	})
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNodes), node.ID, node)
	})
}

func (s *BoltStore) GetNode(ctx types.Context, id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return types.NotFound("node", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	if !node.DeletedAt.IsZero() || !visible(ctx, node.Project) {
		return nil, types.NotFound("node", id)
	}
	return &node, nil
}

func (s *BoltStore) FindNode(ctx types.Context, identity string) (*types.Node, error) {
	nodes, err := s.ListNodes(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return findNode(nodes, identity)
}

func (s *BoltStore) ListNodes(ctx types.Context, q Query) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.DeletedAt.IsZero() && visible(ctx, node.Project) {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginate(nodes, q, nodeID, nodeField)
}

func (s *BoltStore) ListNodesByCluster(clusterID string) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.DeletedAt.IsZero() && node.ClusterID == clusterID {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node)
}

func (s *BoltStore) SoftDeleteNode(id string, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NotFound("node", id)
		}
		var node types.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		node.DeletedAt = ts
		node.UpdatedAt = ts
		return putJSON(b, id, &node)
	})
}

func (s *BoltStore) NodeMigrate(nodeID, fromCluster, toCluster, role string, ts time.Time) (*types.Node, error) {
	var node types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		nb := tx.Bucket(bucketNodes)
		data := nb.Get([]byte(nodeID))
		if data == nil {
			return types.NotFound("node", nodeID)
		}
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		if node.ClusterID != fromCluster {
			return types.InvalidParameter("node %q is not a member of cluster %q", nodeID, fromCluster)
		}

		node.ClusterID = toCluster
		node.Role = role
		node.Index = -1
		if toCluster != "" {
			cb := tx.Bucket(bucketClusters)
			cdata := cb.Get([]byte(toCluster))
			if cdata == nil {
				return types.NotFound("cluster", toCluster)
			}
			var cluster types.Cluster
			if err := json.Unmarshal(cdata, &cluster); err != nil {
				return err
			}
			node.Index = cluster.NextIndex
			cluster.NextIndex++
			if err := putJSON(cb, toCluster, &cluster); err != nil {
				return err
			}
		}
		node.UpdatedAt = ts
		return putJSON(nb, nodeID, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Policy operations

func (s *BoltStore) CreatePolicy(policy *types.Policy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPolicies), policy.ID, policy)
	})
}

func (s *BoltStore) GetPolicy(ctx types.Context, id string) (*types.Policy, error) {
	var policy types.Policy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPolicies).Get([]byte(id))
		if data == nil {
			return types.NotFound("policy", id)
		}
		return json.Unmarshal(data, &policy)
	})
	if err != nil {
		return nil, err
	}
	if !policy.DeletedAt.IsZero() || !visible(ctx, policy.Project) {
		return nil, types.NotFound("policy", id)
	}
	return &policy, nil
}

func (s *BoltStore) FindPolicy(ctx types.Context, identity string) (*types.Policy, error) {
	policies, err := s.ListPolicies(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return findPolicy(policies, identity)
}

func (s *BoltStore) ListPolicies(ctx types.Context, q Query) ([]*types.Policy, error) {
	var policies []*types.Policy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var policy types.Policy
			if err := json.Unmarshal(v, &policy); err != nil {
				return err
			}
			if policy.DeletedAt.IsZero() && visible(ctx, policy.Project) {
				policies = append(policies, &policy)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginate(policies, q, policyID, policyField)
}

func (s *BoltStore) UpdatePolicy(policy *types.Policy) error {
	return s.CreatePolicy(policy)
}

// DeletePolicy tombstones a policy unless it is still bound to a cluster
func (s *BoltStore) DeletePolicy(id string, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NotFound("policy", id)
		}
		var policy types.Policy
		if err := json.Unmarshal(data, &policy); err != nil {
			return err
		}
		if !policy.DeletedAt.IsZero() {
			return types.NotFound("policy", id)
		}

		busy := false
		err := tx.Bucket(bucketBindings).ForEach(func(k, v []byte) error {
			var binding types.PolicyBinding
			if err := json.Unmarshal(v, &binding); err != nil {
				return err
			}
			if binding.PolicyID == id {
				busy = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: policy %q is still attached to a cluster", types.ErrResourceBusy, id)
		}

		policy.DeletedAt = ts
		return putJSON(b, id, &policy)
	})
}

// Binding operations. Keyed by cluster_id/policy_id, unique per pair.

func bindingKey(clusterID, policyID string) string {
	return clusterID + "/" + policyID
}

func (s *BoltStore) AddBinding(binding *types.PolicyBinding) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		key := bindingKey(binding.ClusterID, binding.PolicyID)
		if b.Get([]byte(key)) != nil {
			return types.InvalidParameter("policy %q is already attached to cluster %q",
				binding.PolicyID, binding.ClusterID)
		}
		return putJSON(b, key, binding)
	})
}

func (s *BoltStore) GetBinding(clusterID, policyID string) (*types.PolicyBinding, error) {
	var binding types.PolicyBinding
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBindings).Get([]byte(bindingKey(clusterID, policyID)))
		if data == nil {
			return types.NotFound("binding", bindingKey(clusterID, policyID))
		}
		return json.Unmarshal(data, &binding)
	})
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *BoltStore) ListBindingsByCluster(clusterID string) ([]*types.PolicyBinding, error) {
	var bindings []*types.PolicyBinding
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).ForEach(func(k, v []byte) error {
			var binding types.PolicyBinding
			if err := json.Unmarshal(v, &binding); err != nil {
				return err
			}
			if binding.ClusterID == clusterID {
				bindings = append(bindings, &binding)
			}
			return nil
		})
	})
	return bindings, err
}

func (s *BoltStore) UpdateBinding(binding *types.PolicyBinding) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		key := bindingKey(binding.ClusterID, binding.PolicyID)
		if b.Get([]byte(key)) == nil {
			return types.NotFound("binding", key)
		}
		return putJSON(b, key, binding)
	})
}

func (s *BoltStore) DeleteBinding(clusterID, policyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).Delete([]byte(bindingKey(clusterID, policyID)))
	})
}

// Service registry operations

func (s *BoltStore) UpsertService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketServices), service.ID, service)
	})
}

func (s *BoltStore) GetService(id string) (*types.Service, error) {
	var service types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(id))
		if data == nil {
			return types.NotFound("service", id)
		}
		return json.Unmarshal(data, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) ListServices() ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete([]byte(id))
	})
}

// Credential operations

func credentialKey(user, project string) string {
	return user + "/" + project
}

func (s *BoltStore) PutCredential(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCredentials), credentialKey(cred.User, cred.Project), cred)
	})
}

func (s *BoltStore) GetCredential(user, project string) (*types.Credential, error) {
	var cred types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(credentialKey(user, project)))
		if data == nil {
			return types.NotFound("credential", credentialKey(user, project))
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) DeleteCredential(user, project string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(credentialKey(user, project)))
	})
}

// Health registry operations

func (s *BoltStore) CreateRegistry(entry *types.HealthRegistry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRegistry), entry.ClusterID, entry)
	})
}

func (s *BoltStore) GetRegistry(clusterID string) (*types.HealthRegistry, error) {
	var entry types.HealthRegistry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRegistry).Get([]byte(clusterID))
		if data == nil {
			return types.NotFound("health registry", clusterID)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListRegistries() ([]*types.HealthRegistry, error) {
	var entries []*types.HealthRegistry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistry).ForEach(func(k, v []byte) error {
			var entry types.HealthRegistry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) UpdateRegistry(entry *types.HealthRegistry) error {
	return s.CreateRegistry(entry)
}

func (s *BoltStore) DeleteRegistry(clusterID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistry).Delete([]byte(clusterID))
	})
}

func (s *BoltStore) ClaimRegistries(engineID string, deadEngines []string) ([]*types.HealthRegistry, error) {
	dead := make(map[string]bool, len(deadEngines))
	for _, id := range deadEngines {
		dead[id] = true
	}

	var claimed []*types.HealthRegistry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistry)
		err := b.ForEach(func(k, v []byte) error {
			var entry types.HealthRegistry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.EngineID == "" || dead[entry.EngineID] {
				entry.EngineID = engineID
				claimed = append(claimed, &entry)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, entry := range claimed {
			if err := putJSON(b, entry.ClusterID, entry); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}
