package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

type Directory struct {
	mu      sync.RWMutex
	badges  map[string]types.Badge
	persons map[string]types.Person
}

func NewDirectory() *Directory {
	return &Directory{
		badges:  make(map[string]types.Badge),
		persons: make(map[string]types.Person),
	}
}

// PutPerson inserts or replaces a person.
func (d *Directory) PutPerson(p types.Person) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persons[p.ID] = p
}

// PutBadge inserts or replaces a badge.
func (d *Directory) PutBadge(b types.Badge) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.badges[b.Serial] = b
}

func (d *Directory) ResolveBadge(_ context.Context, serial string) (types.Badge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.badges[serial]
	if !ok {
		return types.Badge{}, store.ErrNotFound
	}
	return b, nil
}

func (d *Directory) ResolveBadgesBatch(_ context.Context, serials []string) (map[string]types.Badge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]types.Badge, len(serials))
	for _, s := range serials {
		if b, ok := d.badges[s]; ok {
			out[s] = b
		}
	}
	return out, nil
}

func (d *Directory) ResolvePerson(_ context.Context, id string) (types.Person, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.persons[id]
	if !ok {
		return types.Person{}, store.ErrNotFound
	}
	return p, nil
}

func (d *Directory) ResolvePersonsBatch(_ context.Context, ids []string) (map[string]types.Person, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]types.Person, len(ids))
	for _, id := range ids {
		if p, ok := d.persons[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// Persons returns every person ordered by id.
func (d *Directory) Persons() []types.Person {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Person, 0, len(d.persons))
	for _, p := range d.persons {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
