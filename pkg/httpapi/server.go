// Package httpapi exposes warrend's REST surface: namespace auth,
// instance and network CRUD, power-state transitions, floating IPs,
// and the network-node-only admin endpoints. It proxies any request
// whose target object is owned by another node, mirroring shakenfist's
// external_api/app.py verbatim-forwarding behavior.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nimbusfleet/warren/pkg/auth"
	"github.com/nimbusfleet/warren/pkg/hypervisor"
	"github.com/nimbusfleet/warren/pkg/imagecache"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/pipeline"
	"github.com/nimbusfleet/warren/pkg/scheduler"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Server holds every dependency a handler needs and owns the
// http.ServeMux routing table.
type Server struct {
	store     *store.Store
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	driver    hypervisor.Driver
	overlay   networkManager
	images    *imagecache.Cache
	issuer    *auth.TokenIssuer
	proxy     *Proxy

	nodeName      string
	networkNodeIP string
	selfIP        string
	apiPort       int

	mux *http.ServeMux
}

// networkManager is the slice of *overlaynet.Manager's API the admin
// and floating-IP handlers depend on, narrowed to an interface so
// tests can supply a fake that never shells out to ip/iptables —
// the same pattern pkg/pipeline uses for the same reason.
type networkManager interface {
	EnsureNetwork(ctx context.Context, n *types.Network) error
	UpdateDHCP(n *types.Network, interfaces []*types.NetworkInterface) error
	RemoveDHCP(networkUUID string) error
}

// Config bundles the identity facts a Server needs to decide whether
// a request's target object is local or must be proxied.
type Config struct {
	NodeName      string
	SelfIP        string
	NetworkNodeIP string
	APIPort       int
}

// New builds a Server and registers every route.
func New(st *store.Store, pl *pipeline.Pipeline, sched *scheduler.Scheduler, drv hypervisor.Driver,
	overlay networkManager, images *imagecache.Cache, issuer *auth.TokenIssuer, cfg Config) *Server {
	s := &Server{
		store:         st,
		pipeline:      pl,
		scheduler:     sched,
		driver:        drv,
		overlay:       overlay,
		images:        images,
		issuer:        issuer,
		proxy:         NewProxy(cfg.APIPort),
		nodeName:      cfg.NodeName,
		networkNodeIP: cfg.NetworkNodeIP,
		selfIP:        cfg.SelfIP,
		apiPort:       cfg.APIPort,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the fully wrapped http.Handler, instrumented and
// panic-safe, ready to pass to an *http.Server.
func (s *Server) Handler() http.Handler {
	return withMetrics(recoverMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /auth", s.handleAuth)

	s.mux.Handle("GET /instances", s.authenticated(s.handleListInstances))
	s.mux.Handle("POST /instances", s.authenticated(s.handleCreateInstance))
	s.mux.Handle("GET /instances/{uuid}", s.authenticated(s.handleGetInstance))
	s.mux.Handle("DELETE /instances/{uuid}", s.authenticated(s.handleDeleteInstance))
	s.mux.Handle("GET /instances/{uuid}/events", s.authenticated(s.handleInstanceEvents))
	s.mux.Handle("GET /instances/{uuid}/interfaces", s.authenticated(s.handleInstanceInterfaces))

	for _, verb := range []string{"poweron", "poweroff", "pause", "unpause", "rebootsoft", "reboothard", "snapshot"} {
		s.mux.Handle("POST /instances/{uuid}/"+verb, s.authenticated(s.handlePowerOp(verb)))
	}

	s.mux.Handle("POST /interfaces/{uuid}/float", s.authenticated(s.handleFloat))
	s.mux.Handle("POST /interfaces/{uuid}/defloat", s.authenticated(s.handleDefloat))

	s.mux.Handle("GET /networks", s.authenticated(s.handleListNetworks))
	s.mux.Handle("POST /networks", s.authenticated(s.handleCreateNetwork))
	s.mux.Handle("GET /networks/{uuid}", s.authenticated(s.handleGetNetwork))
	s.mux.Handle("DELETE /networks/{uuid}", s.authenticated(s.handleDeleteNetwork))

	s.mux.Handle("GET /nodes", s.adminOnly(s.handleListNodes))
	s.mux.Handle("POST /nodes/join", s.adminOnly(s.handleJoinNode))
	s.mux.Handle("DELETE /nodes/{id}", s.adminOnly(s.handleRemoveNode))
	s.mux.Handle("POST /images", s.adminOnly(s.handleWarmImage))

	s.mux.Handle("PUT /deploy_network_node", s.adminOnly(s.networkNodeOnly(s.handleDeployNetworkNode)))
	s.mux.Handle("PUT /update_dhcp", s.adminOnly(s.networkNodeOnly(s.handleUpdateDHCP)))
	s.mux.Handle("PUT /remove_dhcp", s.adminOnly(s.networkNodeOnly(s.handleRemoveDHCP)))

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", metricsHandler())
}

func (s *Server) isSelf(nodeName string) bool {
	return nodeName == "" || nodeName == s.nodeName
}

func (s *Server) isNetworkNode() bool {
	return s.networkNodeIP != "" && s.networkNodeIP == s.selfIP
}

// contextWithTimeout is a small convenience so every handler derives
// its request-scoped context the same way.
func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 30*time.Second)
}

func (s *Server) logger() zerolog.Logger { return log.WithComponent("httpapi") }

// resolvePlacement picks the node that should host a new instance
// matching c, giving the same affinity weight to nodes already
// present on one of networkUUIDs as pkg/pipeline's internal placement
// step does.
func (s *Server) resolvePlacement(c scheduler.Constraints) (*types.Node, error) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	nodes = types.LiveNodes(nodes, time.Now())

	return s.scheduler.Place(c, nodes, func(nodeName string) bool {
		ifaces, err := s.store.ListInterfaces()
		if err != nil {
			return false
		}
		for _, iface := range ifaces {
			for _, nu := range c.NetworkUUIDs {
				if iface.NetworkUUID != nu {
					continue
				}
				if owner, _ := s.store.GetInstance(iface.InstanceUUID); owner != nil && owner.Node == nodeName {
					return true
				}
			}
		}
		return false
	})
}
