// Package rest exposes a node's object tree over plain HTTP GET.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/TeoSlayer/drpmesh/pkg/logging"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// MethodGetPath is the method name set on path commands built from requests.
const MethodGetPath = "cliGetPath"

// Resolver answers a path command.
type Resolver func(ctx context.Context, cmd *protocol.PathCmd) (interface{}, error)

type handler struct {
	basePath []string
	resolve  Resolver
}

// Register serves GET route and everything below it. The URL path after
// route, appended to basePath, becomes the command's path list.
//
//	?listOnly=1     list the children of the resolved item
//	?format=1       indent the JSON
//	Authorization   passed on as the command's authKey
//
// The response is always 200 with a JSON body, null when nothing resolved.
func Register(r *httprouter.Router, route string, basePath []string, resolve Resolver) {
	route = "/" + strings.Trim(route, "/")
	h := &handler{basePath: append([]string(nil), basePath...), resolve: resolve}
	if route == "/" {
		r.GET("/*path", h.serve)
		return
	}
	r.GET(route, h.serve)
	r.GET(route+"/*path", h.serve)
}

func (h *handler) serve(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	q := req.URL.Query()
	cmd := &protocol.PathCmd{
		Method:   MethodGetPath,
		PathList: append(append([]string(nil), h.basePath...), SplitPath(ps.ByName("path"))...),
		ListOnly: flag(q.Get("listOnly")),
		AuthKey:  req.Header.Get("Authorization"),
	}
	res, err := h.resolve(req.Context(), cmd)
	if err != nil {
		logging.Component("rest").Warn("path request failed", "path", req.URL.Path, "error", err)
		res = nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	if flag(q.Get("format")) {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(res); err != nil {
		logging.Component("rest").Debug("write response", "error", err)
	}
}

// SplitPath breaks a URL path into segments, dropping empty ones.
func SplitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func flag(v string) bool {
	switch strings.ToLower(v) {
	case "", "0", "false", "no":
		return false
	}
	return true
}
