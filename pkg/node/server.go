package node

import (
	"net/http"
	"net/url"
	"os"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/rest"
)

// Handler returns the node's HTTP surface: the WebSocket upgrade on /, the
// REST bridge and /metrics.
func (n *Node) Handler() http.Handler {
	r := httprouter.New()
	upgrader := endpoint.Upgrader(n.originValidator())
	r.GET("/", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			n.log.Debug("websocket upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
			return
		}
		n.Accept(endpoint.New(conn, endpoint.Options{Metrics: n.metrics}))
	})
	rest.Register(r, n.cfg.restRoute(), n.cfg.RestBasePath, n.GetObjFromPath)
	r.Handler(http.MethodGet, "/metrics", n.metrics.Handler())

	if len(n.cfg.CORSOrigins) == 0 {
		return r
	}
	c := cors.New(cors.Options{
		AllowedOrigins: n.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	})
	return c.Handler(r)
}

// Accept serves an inbound connection until it closes. The remote side is
// classified by its hello.
func (n *Node) Accept(ep *endpoint.Endpoint) {
	n.prepareEndpoint(ep)
	ep.Start()
	n.log.Debug("accepted connection", "endpoint", ep.ID(), "remote_addr", ep.RemoteAddr())
}

// originValidator accepts requests without an Origin header and otherwise
// checks the origin against the configured CORS origins, allowing localhost
// when none are set. An origin rule without a port matches any port.
func (n *Node) originValidator() func(*http.Request) bool {
	origins := mapset.NewSet[string]()
	allowAll := false
	for _, o := range n.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			origins.Add(strings.ToLower(o))
		}
	}
	if origins.Cardinality() == 0 {
		origins.Add("http://localhost")
		if host, err := os.Hostname(); err == nil {
			origins.Add("http://" + strings.ToLower(host))
		}
	}

	return func(req *http.Request) bool {
		if _, ok := req.Header["Origin"]; !ok {
			return true
		}
		origin := strings.ToLower(req.Header.Get("Origin"))
		if allowAll || origins.Contains(origin) {
			return true
		}
		if u, err := url.Parse(origin); err == nil && origins.Contains(u.Scheme+"://"+u.Hostname()) {
			return true
		}
		n.log.Warn("rejected websocket connection", "origin", origin)
		return false
	}
}
