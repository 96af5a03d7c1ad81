// Package ownership maps raw worker identifiers reported by pools to platform users.
package ownership

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/errs"

	"mining-settlement/model"
	"mining-settlement/util"
)

// Error is the error class of this package.
var Error = errs.Class("ownership")

// BindingSource provides worker registrations.
type BindingSource interface {
	SelectActiveWorkerIds(ctx context.Context) ([]string, error)
	SelectBindingsByWorkerIds(ctx context.Context, workerIds []string) ([]model.WorkerBinding, error)
}

// Config for the resolver.
type Config struct {
	Prefix         string
	AllowSynthetic bool
	MaxStaleness   time.Duration
	CacheSize      int
	CacheTTL       time.Duration
}

type whitelist struct {
	ids      mapset.Set[string]
	loadedAt time.Time
}

// Resolver resolves worker ids to user ids. The whitelist of active worker ids is owned by
// the resolver and replaced wholesale on every Refresh.
type Resolver struct {
	source BindingSource
	cfg    Config

	whitelist atomic.Pointer[whitelist]
	bindings  *expirable.LRU[string, int64]

	now func() time.Time
}

// NewResolver
func NewResolver(source BindingSource, cfg Config) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	r := &Resolver{
		source:   source,
		cfg:      cfg,
		bindings: expirable.NewLRU[string, int64](cfg.CacheSize, nil, cfg.CacheTTL),
		now:      time.Now,
	}
	r.whitelist.Store(&whitelist{ids: mapset.NewThreadUnsafeSet[string]()})
	return r
}

// Refresh reloads the whitelist from active registrations and drops cached bindings.
func (r *Resolver) Refresh(ctx context.Context) error {
	ids, err := r.source.SelectActiveWorkerIds(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	set := mapset.NewThreadUnsafeSetWithSize[string](len(ids))
	for _, id := range ids {
		if id != "" {
			set.Add(id)
		}
	}
	r.whitelist.Store(&whitelist{ids: set, loadedAt: r.now()})
	r.bindings.Purge()

	log.Debugf("Worker whitelist refreshed, %d ids", set.Cardinality())
	return nil
}

// WhitelistSize returns the number of whitelisted ids and the age of the snapshot.
func (r *Resolver) WhitelistSize() (int, time.Duration) {
	wl := r.whitelist.Load()
	if wl.loadedAt.IsZero() {
		return 0, 0
	}
	return wl.ids.Cardinality(), r.now().Sub(wl.loadedAt)
}

func (r *Resolver) strip(id string) string {
	if r.cfg.Prefix != "" && strings.HasPrefix(id, r.cfg.Prefix) {
		return id[len(r.cfg.Prefix):]
	}
	return id
}

// candidates returns stripped, raw and base forms of id, in resolution order.
func (r *Resolver) candidates(id string) []string {
	stripped := r.strip(id)
	out := []string{stripped}
	if id != stripped {
		out = append(out, id)
	}
	for _, base := range []string{util.BaseWorkerID(stripped), util.BaseWorkerID(id)} {
		if base != "" && base != stripped && base != id {
			out = append(out, base)
		}
	}
	return out
}

// Trusted reports whether the worker id (or its stripped or base form) is a registered
// worker. A stale whitelist is still honoured here, only synthetic parsing requires a fresh
// one.
func (r *Resolver) Trusted(workerId string) bool {
	if workerId == "" {
		return false
	}
	wl := r.whitelist.Load()
	for _, c := range r.candidates(workerId) {
		if wl.ids.Contains(c) {
			return true
		}
	}
	return false
}

func (r *Resolver) freshWhitelist() mapset.Set[string] {
	wl := r.whitelist.Load()
	if wl.loadedAt.IsZero() {
		return nil
	}
	if r.cfg.MaxStaleness > 0 && r.now().Sub(wl.loadedAt) > r.cfg.MaxStaleness {
		return nil
	}
	return wl.ids
}

// ResolveOwners maps each resolvable worker id to its user. Ids that cannot be resolved are
// absent from the result.
func (r *Resolver) ResolveOwners(ctx context.Context, workerIds []string) (map[string]int64, error) {
	known := make(map[string]int64)
	var missing []string
	seen := make(map[string]bool)
	for _, id := range workerIds {
		for _, c := range r.candidates(id) {
			if seen[c] {
				continue
			}
			seen[c] = true
			if userId, ok := r.bindings.Get(c); ok {
				if userId > 0 {
					known[c] = userId
				}
				continue
			}
			missing = append(missing, c)
		}
	}

	if len(missing) > 0 {
		rows, err := r.source.SelectBindingsByWorkerIds(ctx, missing)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		found := make(map[string]int64, len(rows))
		for _, b := range rows {
			found[b.WorkerId] = b.UserId
		}
		for _, c := range missing {
			userId := found[c]
			// misses are cached as 0 until the next refresh
			r.bindings.Add(c, userId)
			if userId > 0 {
				known[c] = userId
			}
		}
	}

	wl := r.freshWhitelist()
	owners := make(map[string]int64, len(workerIds))
	for _, id := range workerIds {
		if userId, ok := r.resolve(id, known, wl); ok {
			owners[id] = userId
		}
	}
	return owners, nil
}

func (r *Resolver) resolve(id string, known map[string]int64, wl mapset.Set[string]) (int64, bool) {
	cands := r.candidates(id)
	for _, c := range cands {
		if userId, ok := known[c]; ok {
			return userId, true
		}
	}

	if !r.cfg.AllowSynthetic || wl == nil {
		return 0, false
	}
	// 合成ID必须在白名单内
	for _, c := range cands {
		if !wl.Contains(c) {
			continue
		}
		if userId, ok := util.ParseSyntheticUserID(id); ok {
			return userId, true
		}
	}
	return 0, false
}
