// Package route maps namespace path prefixes to the endpoints of other
// metadata services. Clients asking for a routed path are redirected to
// the endpoints of the longest linked prefix.
package route

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/dsmeta/common/kvstore"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/store"
)

var keyPrefix = []byte("r/")

// Endpoint is a metadata service a routed path is redirected to.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HttpPort int    `json:"http_port,omitempty"`
}

func (e Endpoint) String() string {
	s := e.Host + ":" + strconv.Itoa(e.Port)
	if e.HttpPort > 0 {
		s += ":" + strconv.Itoa(e.HttpPort)
	}
	return s
}

// ParseEndpoint reads host:port[:http_port].
func ParseEndpoint(s string) (Endpoint, error) {
	var ep Endpoint
	host, rest, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return ep, apierrors.Wrapf(apierrors.ErrInvalidArgument, "endpoint %q: want host:port[:http_port]", s)
	}
	ports := strings.Split(rest, ":")
	if len(ports) > 2 {
		return ep, apierrors.Wrapf(apierrors.ErrInvalidArgument, "endpoint %q: want host:port[:http_port]", s)
	}
	ep.Host = host
	var err error
	if ep.Port, err = parsePort(ports[0]); err != nil {
		return ep, apierrors.Wrapf(apierrors.ErrInvalidArgument, "endpoint %q: %s", s, err)
	}
	if len(ports) == 2 {
		if ep.HttpPort, err = parsePort(ports[1]); err != nil {
			return ep, apierrors.Wrapf(apierrors.ErrInvalidArgument, "endpoint %q: %s", s, err)
		}
	}
	return ep, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p <= 0 || p > 65535 {
		return 0, strconv.ErrRange
	}
	return p, nil
}

type Route struct {
	Path      string     `json:"path"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Table holds the routes in memory and persists them to the master kv.
type Table struct {
	kv kvstore.Store

	lock   sync.RWMutex
	routes map[string][]Endpoint
}

func NewTable(st *store.Store) *Table {
	return &Table{kv: st.KVStore(), routes: make(map[string][]Endpoint)}
}

func (t *Table) Load(ctx context.Context) error {
	lr := t.kv.List(ctx, store.CFConfig, keyPrefix, nil)
	defer lr.Close()

	t.lock.Lock()
	defer t.lock.Unlock()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		var eps []Endpoint
		if err = json.Unmarshal(value, &eps); err != nil {
			return apierrors.Wrapf(apierrors.ErrCorrupted, "route %q: %s", key, err)
		}
		t.routes[string(key[len(keyPrefix):])] = eps
	}
}

// Normalize cleans p and gives it a trailing slash, routes always name
// containers.
func Normalize(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", apierrors.Wrapf(apierrors.ErrInvalidArgument, "route path %q is not absolute", p)
	}
	p = path.Clean(p)
	if p != "/" {
		p += "/"
	}
	return p, nil
}

// Link adds endpoints to the route of p, endpoints already linked are kept
// once.
func (t *Table) Link(ctx context.Context, p string, eps ...Endpoint) error {
	p, err := Normalize(p)
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "no endpoint for route %s", p)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	merged := append([]Endpoint(nil), t.routes[p]...)
	for _, ep := range eps {
		if !contains(merged, ep) {
			merged = append(merged, ep)
		}
	}
	if err = t.put(ctx, p, merged); err != nil {
		return err
	}
	t.routes[p] = merged
	trace.SpanFromContextSafe(ctx).Infof("route %s linked to %v", p, merged)
	return nil
}

// Unlink drops the whole route of p if no endpoint is given.
func (t *Table) Unlink(ctx context.Context, p string, eps ...Endpoint) error {
	p, err := Normalize(p)
	if err != nil {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	cur, ok := t.routes[p]
	if !ok {
		return apierrors.Wrapf(apierrors.ErrNotFound, "route %s", p)
	}
	var left []Endpoint
	if len(eps) > 0 {
		for _, ep := range cur {
			if !contains(eps, ep) {
				left = append(left, ep)
			}
		}
	}
	if len(left) == 0 {
		if err = t.kv.Delete(ctx, store.CFConfig, key(p)); err != nil {
			return err
		}
		delete(t.routes, p)
	} else {
		if err = t.put(ctx, p, left); err != nil {
			return err
		}
		t.routes[p] = left
	}
	trace.SpanFromContextSafe(ctx).Infof("route %s unlinked, %d endpoints left", p, len(left))
	return nil
}

// List returns routes sorted by path, limited to p if given.
func (t *Table) List(p string) ([]Route, error) {
	if p != "" {
		var err error
		if p, err = Normalize(p); err != nil {
			return nil, err
		}
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	if p != "" {
		eps, ok := t.routes[p]
		if !ok {
			return nil, apierrors.Wrapf(apierrors.ErrNotFound, "route %s", p)
		}
		return []Route{{Path: p, Endpoints: append([]Endpoint(nil), eps...)}}, nil
	}
	ret := make([]Route, 0, len(t.routes))
	for rp, eps := range t.routes {
		ret = append(ret, Route{Path: rp, Endpoints: append([]Endpoint(nil), eps...)})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Path < ret[j].Path })
	return ret, nil
}

// Lookup returns the route of the longest linked prefix of p.
func (t *Table) Lookup(p string) (Route, bool) {
	if !strings.HasPrefix(p, "/") {
		return Route{}, false
	}
	p = path.Clean(p)
	t.lock.RLock()
	defer t.lock.RUnlock()
	for cur := p; ; cur = path.Dir(cur) {
		prefix := cur
		if prefix != "/" {
			prefix += "/"
		}
		if eps, ok := t.routes[prefix]; ok {
			return Route{Path: prefix, Endpoints: append([]Endpoint(nil), eps...)}, true
		}
		if cur == "/" {
			return Route{}, false
		}
	}
}

func (t *Table) put(ctx context.Context, p string, eps []Endpoint) error {
	data, err := json.Marshal(eps)
	if err != nil {
		return err
	}
	return t.kv.SetRaw(ctx, store.CFConfig, key(p), data)
}

func key(p string) []byte {
	return append(append([]byte(nil), keyPrefix...), p...)
}

func contains(eps []Endpoint, ep Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}
