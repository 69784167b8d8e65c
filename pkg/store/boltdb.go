package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/clowdy-run/clowdy/pkg/slug"
	"github.com/clowdy-run/clowdy/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketProjects   = []byte("projects")
	bucketFunctions  = []byte("functions")
	bucketEnvVars    = []byte("env_vars")
	bucketRoutes     = []byte("routes")
	bucketInvocations = []byte("invocations")
	// bucketInvocationsByFn indexes invocation ids ordered newest-first per
	// function, keyed by functionID + reverse timestamp so a cursor seek can
	// serve ListInvocationsForFunction without a full bucket scan (C7/§4.6).
	bucketInvocationsByFn = []byte("invocations_by_function")
	bucketBuildLogs       = []byte("build_logs")
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "clowdy.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProjects,
			bucketFunctions,
			bucketEnvVars,
			bucketRoutes,
			bucketInvocations,
			bucketInvocationsByFn,
			bucketBuildLogs,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
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

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *BoltStore) CreateProject(project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if project.Slug == "" {
			project.Slug = uniqueSlug(b, slug.Slugify(project.Name))
		}
		data, err := json.Marshal(project)
		if err != nil {
			return err
		}
		return b.Put([]byte(project.ID), data)
	})
}

// uniqueSlug returns base, or base suffixed with a short random token if
// base already belongs to another project in the bucket (spec §3, §9
// supplement: slug generation with collision suffixing).
func uniqueSlug(b *bolt.Bucket, base string) string {
	candidate := base
	for slugTaken(b, candidate) {
		candidate = slug.Suffixed(base)
	}
	return candidate
}

func slugTaken(b *bolt.Bucket, candidate string) bool {
	taken := false
	_ = b.ForEach(func(k, v []byte) error {
		var project types.Project
		if err := json.Unmarshal(v, &project); err != nil {
			return nil
		}
		if project.Slug == candidate {
			taken = true
		}
		return nil
	})
	return taken
}

func (s *BoltStore) UpdateProject(project *types.Project) error {
	return s.CreateProject(project) // upsert
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("project not found: %s", id)
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) GetProjectBySlug(ownerID, slug string) (*types.Project, error) {
	var found *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			if project.OwnerID == ownerID && project.Slug == slug {
				found = &project
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("project not found: %s/%s", ownerID, slug)
	}
	return found, nil
}

func (s *BoltStore) GetProjectBySlugAnyOwner(slug string) (*types.Project, error) {
	var found *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			if project.Slug == slug {
				found = &project
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("project not found: %s", slug)
	}
	return found, nil
}

// SetBuildLog overwrites the retained build transcript for a project; each
// build replaces the previous one rather than appending (spec §9).
func (s *BoltStore) SetBuildLog(projectID, log string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuildLogs).Put([]byte(projectID), []byte(log))
	})
}

func (s *BoltStore) GetBuildLog(projectID string) (string, error) {
	var log string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBuildLogs).Get([]byte(projectID))
		log = string(v)
		return nil
	})
	return log, err
}

func (s *BoltStore) ListProjects(ownerID string) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			if ownerID == "" || project.OwnerID == ownerID {
				projects = append(projects, &project)
			}
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) DeleteProject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).Delete([]byte(id))
	})
}

// --- Functions ---

func (s *BoltStore) CreateFunction(fn *types.Function) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		data, err := json.Marshal(fn)
		if err != nil {
			return err
		}
		return b.Put([]byte(fn.ID), data)
	})
}

func (s *BoltStore) UpdateFunction(fn *types.Function) error {
	return s.CreateFunction(fn) // upsert
}

func (s *BoltStore) GetFunction(id string) (*types.Function, error) {
	var fn types.Function
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("function not found: %s", id)
		}
		return json.Unmarshal(data, &fn)
	})
	if err != nil {
		return nil, err
	}
	return &fn, nil
}

func (s *BoltStore) ListFunctionsByProject(projectID string) ([]*types.Function, error) {
	var fns []*types.Function
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		return b.ForEach(func(k, v []byte) error {
			var fn types.Function
			if err := json.Unmarshal(v, &fn); err != nil {
				return err
			}
			if fn.ProjectID != nil && *fn.ProjectID == projectID {
				fns = append(fns, &fn)
			}
			return nil
		})
	})
	return fns, err
}

func (s *BoltStore) ListFunctionsByOwner(ownerID string) ([]*types.Function, error) {
	var fns []*types.Function
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		return b.ForEach(func(k, v []byte) error {
			var fn types.Function
			if err := json.Unmarshal(v, &fn); err != nil {
				return err
			}
			if fn.OwnerID == ownerID {
				fns = append(fns, &fn)
			}
			return nil
		})
	})
	return fns, err
}

func (s *BoltStore) DeleteFunction(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFunctions).Delete([]byte(id))
	})
}

// --- EnvVars ---

func envVarKey(projectID, key string) []byte {
	return []byte(projectID + "\x00" + key)
}

func (s *BoltStore) SetEnvVar(envVar *types.EnvVar) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvVars)
		key := envVarKey(envVar.ProjectID, envVar.Key)
		if existing := b.Get(key); existing != nil {
			var prior types.EnvVar
			if err := json.Unmarshal(existing, &prior); err == nil {
				envVar.CreatedAt = prior.CreatedAt
			}
		}
		data, err := json.Marshal(envVar)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListEnvVars(projectID string) ([]*types.EnvVar, error) {
	var vars []*types.EnvVar
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvVars)
		return b.ForEach(func(k, v []byte) error {
			var envVar types.EnvVar
			if err := json.Unmarshal(v, &envVar); err != nil {
				return err
			}
			if envVar.ProjectID == projectID {
				vars = append(vars, &envVar)
			}
			return nil
		})
	})
	return vars, err
}

func (s *BoltStore) DeleteEnvVar(projectID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvVars).Delete(envVarKey(projectID, key))
	})
}

// --- Routes ---

func (s *BoltStore) CreateRoute(route *types.Route) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		data, err := json.Marshal(route)
		if err != nil {
			return err
		}
		return b.Put([]byte(route.ID), data)
	})
}

func (s *BoltStore) ListRoutes(projectID string) ([]*types.Route, error) {
	var routes []*types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.ForEach(func(k, v []byte) error {
			var route types.Route
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			if route.ProjectID == projectID {
				routes = append(routes, &route)
			}
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) DeleteRoute(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).Delete([]byte(id))
	})
}

// --- Invocations ---

// invocationIndexKey sorts newest-first: a fixed-width reverse timestamp
// (the bitwise complement of UnixNano, i.e. math.MaxUint64 - UnixNano for
// non-negative times, big-endian) orders lexicographically the same as
// numerically, so a forward cursor scan yields newest-first.
func invocationIndexKey(functionID string, createdAt int64) []byte {
	reverse := make([]byte, 8)
	binary.BigEndian.PutUint64(reverse, uint64(^createdAt))
	key := append([]byte(functionID+"\x00"), reverse...)
	return key
}

func (s *BoltStore) AppendInvocation(inv *types.Invocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvocations)
		data, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(inv.ID), data); err != nil {
			return err
		}
		idx := tx.Bucket(bucketInvocationsByFn)
		return idx.Put(invocationIndexKey(inv.FunctionID, inv.CreatedAt.UnixNano()), []byte(inv.ID))
	})
}

func (s *BoltStore) ListInvocationsForFunction(functionID string, limit int) ([]*types.Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	var invocations []*types.Invocation
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketInvocationsByFn)
		records := tx.Bucket(bucketInvocations)
		prefix := []byte(functionID + "\x00")
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := records.Get(v)
			if data == nil {
				continue
			}
			var inv types.Invocation
			if err := json.Unmarshal(data, &inv); err != nil {
				return err
			}
			invocations = append(invocations, &inv)
			if len(invocations) >= limit {
				break
			}
		}
		return nil
	})
	return invocations, err
}

func (s *BoltStore) Aggregate(ownerID string) (types.Aggregate, error) {
	var agg types.Aggregate
	functions, err := s.ListFunctionsByOwner(ownerID)
	if err != nil {
		return agg, err
	}
	agg.TotalFunctions = len(functions)

	owned := make(map[string]bool, len(functions))
	for _, fn := range functions {
		owned[fn.ID] = true
	}

	var successCount int
	var durationSum int64
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvocations)
		return b.ForEach(func(k, v []byte) error {
			var inv types.Invocation
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			if !owned[inv.FunctionID] {
				return nil
			}
			agg.TotalInvocations++
			durationSum += inv.DurationMS
			if inv.Status == types.InvocationSuccess {
				successCount++
			}
			return nil
		})
	})
	if err != nil {
		return agg, err
	}

	if agg.TotalInvocations > 0 {
		agg.SuccessRate = float64(successCount) / float64(agg.TotalInvocations)
		agg.AvgDurationMS = float64(durationSum) / float64(agg.TotalInvocations)
	}
	return agg, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
