package httpget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/pullgate/apis"
	"github.com/ggoodman/pullgate/auth"
	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/subscriptions"
)

var _ http.Handler = (*Gateway)(nil)

// Gateway routes requests to deployed APIs by longest context path.
type Gateway struct {
	connectors *connector.Registry
	subs       *subscriptions.Registry
	cfg        config

	mu          sync.RWMutex
	routes      []*route // longest context path first
	deployments uint64
}

type route struct {
	path string
	def  apis.Definition
	conn connector.Connector
	h    *Handler
}

// NewGateway returns a Gateway with no APIs deployed.
func NewGateway(connectors *connector.Registry, subs *subscriptions.Registry, opts ...Option) *Gateway {
	return &Gateway{connectors: connectors, subs: subs, cfg: newConfig(opts)}
}

// Deploy builds the connector and authenticator for def and starts routing
// to it. A previously deployed API with the same id is replaced.
func (g *Gateway) Deploy(ctx context.Context, def apis.Definition) error {
	if err := apis.Validate([]apis.Definition{def}); err != nil {
		return err
	}
	conn, err := g.connectors.Build(ctx, def.ID, def.Endpoint, connector.Deps{Logger: g.cfg.log})
	if err != nil {
		return fmt.Errorf("api %s: %w", def.ID, err)
	}
	authn, err := auth.New(ctx, def.Security)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("api %s: %w", def.ID, err)
	}

	rt := &route{
		path: apis.NormalizePath(def.ContextPath),
		def:  def,
		conn: conn,
		h:    newHandler(def, conn, g.subs, authn, g.cfg),
	}

	g.mu.Lock()
	for _, other := range g.routes {
		if other.path == rt.path && other.def.ID != def.ID {
			g.mu.Unlock()
			_ = conn.Close()
			return fmt.Errorf("api %s: %w: context path %s already served by %s", def.ID, apis.ErrInvalidDefinition, rt.path, other.def.ID)
		}
	}
	g.deployments++
	rt.h.deployment = g.deployments
	old := g.remove(def.ID)
	g.routes = append(g.routes, rt)
	sort.SliceStable(g.routes, func(i, j int) bool { return len(g.routes[i].path) > len(g.routes[j].path) })
	g.mu.Unlock()

	if old != nil {
		g.retire(ctx, old)
	}
	g.cfg.log.InfoContext(ctx, "api.deploy",
		slog.String("api_id", def.ID),
		slog.String("context_path", rt.path),
		slog.String("connector", conn.Type()),
	)
	return nil
}

// Undeploy stops routing to apiID, tears down its subscriptions and closes
// its connector. It reports whether the API was deployed.
func (g *Gateway) Undeploy(ctx context.Context, apiID string) bool {
	g.mu.Lock()
	old := g.remove(apiID)
	g.mu.Unlock()
	if old == nil {
		return false
	}
	g.retire(ctx, old)
	g.cfg.log.InfoContext(ctx, "api.undeploy", slog.String("api_id", apiID))
	return true
}

// Sync makes the deployed set equal to defs. Unchanged definitions keep their
// connector and subscriptions.
func (g *Gateway) Sync(ctx context.Context, defs []apis.Definition) error {
	want := make(map[string]apis.Definition, len(defs))
	for _, d := range defs {
		want[d.ID] = d
	}

	g.mu.RLock()
	current := make(map[string]apis.Definition, len(g.routes))
	for _, rt := range g.routes {
		current[rt.def.ID] = rt.def
	}
	g.mu.RUnlock()

	var errs []error
	for id := range current {
		if _, ok := want[id]; !ok {
			g.Undeploy(ctx, id)
		}
	}
	for _, d := range defs {
		if cur, ok := current[d.ID]; ok && reflect.DeepEqual(cur, d) {
			continue
		}
		if err := g.Deploy(ctx, d); err != nil {
			g.cfg.log.ErrorContext(ctx, "api.deploy.fail", slog.String("api_id", d.ID), slog.String("err", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// APIs lists deployed API ids.
func (g *Gateway) APIs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.routes))
	for _, rt := range g.routes {
		ids = append(ids, rt.def.ID)
	}
	sort.Strings(ids)
	return ids
}

// Close undeploys everything.
func (g *Gateway) Close(ctx context.Context) {
	for _, id := range g.APIs() {
		g.Undeploy(ctx, id)
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := withRequest(r.Context(), r)
	r = r.WithContext(ctx)

	rt := g.match(r.URL.Path)
	if rt == nil {
		g.cfg.log.InfoContext(ctx, "api.route.miss")
		writeError(w, r, http.StatusNotFound, "No context-path matches the request URI.")
		return
	}
	rt.h.ServeHTTP(w, r)
}

func (g *Gateway) match(path string) *route {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, rt := range g.routes {
		if rt.path == "/" || path == rt.path || strings.HasPrefix(path, rt.path+"/") {
			return rt
		}
	}
	return nil
}

// remove must be called with mu held.
func (g *Gateway) remove(apiID string) *route {
	for i, rt := range g.routes {
		if rt.def.ID == apiID {
			g.routes = append(g.routes[:i], g.routes[i+1:]...)
			return rt
		}
	}
	return nil
}

// retire releases only the subscriptions rt's deployment opened, so a
// replacement route that is already live keeps its own.
func (g *Gateway) retire(ctx context.Context, rt *route) {
	g.subs.ReleaseDeployment(rt.def.ID, rt.h.deployment)
	if err := rt.conn.Close(); err != nil {
		g.cfg.log.WarnContext(ctx, "api.connector.close.fail", slog.String("api_id", rt.def.ID), slog.String("err", err.Error()))
	}
}
