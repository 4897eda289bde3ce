package zeroconf

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds the services this process itself advertises, indexed by
// instance name, by type and by server hostname. Keys are matched
// case-insensitively.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*ServiceInfo
	byType   map[string][]string
	byServer map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*ServiceInfo),
		byType:   make(map[string][]string),
		byServer: make(map[string][]string),
	}
}

// Add registers an instance. A second registration under an occupied name is
// refused, so every name maps to exactly one ServiceInfo.
func (r *Registry) Add(info *ServiceInfo) error {
	k := strings.ToLower(info.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[k]; ok {
		return ErrNameAlreadyRegistered
	}
	r.byName[k] = info
	tk := strings.ToLower(info.Type)
	r.byType[tk] = append(r.byType[tk], k)
	sk := strings.ToLower(info.Server)
	r.byServer[sk] = append(r.byServer[sk], k)
	return nil
}

// Remove unregisters by name. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	k := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byName[k]
	if !ok {
		return
	}
	delete(r.byName, k)
	deleteName(r.byType, strings.ToLower(info.Type), k)
	deleteName(r.byServer, strings.ToLower(info.Server), k)
}

// Update replaces the stored info for an already registered name.
func (r *Registry) Update(info *ServiceInfo) {
	r.Remove(info.Name)
	r.mu.Lock()
	k := strings.ToLower(info.Name)
	r.byName[k] = info
	tk := strings.ToLower(info.Type)
	r.byType[tk] = append(r.byType[tk], k)
	sk := strings.ToLower(info.Server)
	r.byServer[sk] = append(r.byServer[sk], k)
	r.mu.Unlock()
}

// Get returns the registered info for a fully qualified instance name.
func (r *Registry) Get(name string) *ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[strings.ToLower(name)]
}

// Types returns the distinct registered service types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byType))
	for ty, names := range r.byType {
		if len(names) > 0 {
			types = append(types, ty)
		}
	}
	sort.Strings(types)
	return types
}

// ServicesByType returns all registered instances of a type.
func (r *Registry) ServicesByType(ty string) []*ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byType[strings.ToLower(ty)])
}

// ServicesByServer returns all registered instances hosted on a server name.
func (r *Registry) ServicesByServer(server string) []*ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byServer[strings.ToLower(server)])
}

// All returns every registered instance.
func (r *Registry) All() []*ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]*ServiceInfo, 0, len(r.byName))
	for _, info := range r.byName {
		infos = append(infos, info)
	}
	return infos
}

func (r *Registry) collect(names []string) []*ServiceInfo {
	infos := make([]*ServiceInfo, 0, len(names))
	for _, k := range names {
		if info, ok := r.byName[k]; ok {
			infos = append(infos, info)
		}
	}
	return infos
}

func deleteName(index map[string][]string, key, name string) {
	names := index[key]
	kept := names[:0]
	for _, n := range names {
		if n != name {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		delete(index, key)
	} else {
		index[key] = kept
	}
}
