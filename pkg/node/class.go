package node

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TeoSlayer/drpmesh/pkg/pathing"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// GetClassRecords gathers the records of q.ClassName from every source
// instance that declares it, keyed by instance ID. Instances whose node is
// unreachable or whose record path resolves to nothing are left out.
func (n *Node) GetClassRecords(ctx context.Context, q *protocol.ClassQuery) (map[string]interface{}, error) {
	if q.ClassName == "" {
		return nil, errors.New("getClassRecords requires className")
	}
	refs := n.decls.ListClassInstances(q.ClassName)[q.ClassName]

	var mu sync.Mutex
	out := make(map[string]interface{}, len(refs))
	g, ctx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		if len(ref.RecordPath) == 0 {
			continue
		}
		ref := ref
		g.Go(func() error {
			res, err := n.fetchPath(ctx, ref.NodeID, ref.RecordPath, &protocol.PathCmd{AuthKey: q.AuthKey})
			if err != nil {
				n.log.Debug("class records failed", "class", q.ClassName, "instance", ref.InstanceID, "remote", ref.NodeID, "error", err)
				return nil
			}
			if res == nil {
				return nil
			}
			mu.Lock()
			out[ref.InstanceID] = unwrapPathItem(res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func unwrapPathItem(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		if item, ok := m[pathing.KeyPathItem]; ok && len(m) == 1 {
			return item
		}
	}
	return v
}
