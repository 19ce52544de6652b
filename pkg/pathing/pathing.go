// Package pathing resolves path commands against a node's object tree.
//
// The tree is built from four node kinds: Value (a scalar or opaque JSON
// value), Container (named children), List (indexed children) and
// Delegate (a function that resolves the rest of the path itself, usually
// by forwarding it to another node).
package pathing

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// Node is one element of an object tree.
type Node interface {
	pathNode()
}

// Value is a leaf.
type Value struct {
	V interface{}
}

// Container holds named children.
type Container map[string]Node

// List holds indexed children.
type List []Node

// Delegate resolves the remaining path on behalf of the tree. It receives
// the segments after the one that selected it.
type Delegate func(ctx context.Context, remaining []string, cmd *protocol.PathCmd) (interface{}, error)

func (Value) pathNode()     {}
func (Container) pathNode() {}
func (List) pathNode()      {}
func (Delegate) pathNode()  {}

// Wrapper keys on resolved results.
const (
	KeyPathItem     = "pathItem"
	KeyPathItemList = "pathItemList"
)

// Item types reported in listings.
const (
	TypeObject   = "Object"
	TypeArray    = "Array"
	TypeFunction = "Function"
	TypeString   = "String"
	TypeNumber   = "Number"
	TypeBoolean  = "Boolean"
	TypeNull     = "Null"
)

// PathItem summarises one child in a listing.
type PathItem struct {
	Name  string      `json:"Name"`
	Type  string      `json:"Type"`
	Value interface{} `json:"Value"`
}

// FromData converts decoded JSON (maps, slices, scalars) into a tree.
// Existing Nodes are returned unchanged.
func FromData(v interface{}) Node {
	switch t := v.(type) {
	case Node:
		return t
	case map[string]interface{}:
		c := make(Container, len(t))
		for k, child := range t {
			c[k] = FromData(child)
		}
		return c
	case []interface{}:
		l := make(List, len(t))
		for i, child := range t {
			l[i] = FromData(child)
		}
		return l
	default:
		return Value{V: v}
	}
}

// FromStruct converts any JSON-encodable value into a tree by way of its
// JSON form.
func FromStruct(v interface{}) (Node, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var data interface{}
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	return FromData(data), nil
}

// EvalPath walks path from root. It returns nil when a segment is missing.
// A Value ends the walk at once, ignoring any segments left. A Delegate is
// handed the segments after the one that selected it and its result, wrapped
// in a Value, ends the walk.
func EvalPath(ctx context.Context, root Node, path []string, cmd *protocol.PathCmd) (Node, error) {
	cur := root
	for i := 0; i < len(path); i++ {
		if v, ok := cur.(Value); ok {
			switch v.V.(type) {
			case map[string]interface{}, []interface{}:
				cur = FromData(v.V)
			}
		}
		switch n := cur.(type) {
		case Value:
			return n, nil
		case Delegate:
			return callDelegate(ctx, n, path[i:], cmd)
		case Container:
			child, ok := n[path[i]]
			if !ok || child == nil {
				return nil, nil
			}
			cur = child
		case List:
			idx, err := strconv.Atoi(path[i])
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, nil
			}
			cur = n[idx]
		default:
			return nil, nil
		}
		if d, ok := cur.(Delegate); ok {
			return callDelegate(ctx, d, path[i+1:], cmd)
		}
	}
	return cur, nil
}

func callDelegate(ctx context.Context, d Delegate, remaining []string, cmd *protocol.PathCmd) (Node, error) {
	res, err := d(ctx, remaining, cmd)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	if n, ok := res.(Node); ok {
		return n, nil
	}
	return Value{V: res}, nil
}

// GetObjFromPath resolves cmd against root and wraps the result. With
// ListOnly the result is {pathItemList: [...]} summarising its children;
// otherwise it is {pathItem: value}. Results that are already wrapped,
// typically replies from a remote node, pass through unchanged. A path that
// resolves to nothing yields nil.
func GetObjFromPath(ctx context.Context, cmd *protocol.PathCmd, root Node) (interface{}, error) {
	if cmd == nil {
		cmd = &protocol.PathCmd{}
	}
	n, err := EvalPath(ctx, root, cmd.PathList, cmd)
	if err != nil || n == nil {
		return nil, err
	}
	if v, ok := n.(Value); ok {
		if v.V == nil {
			return nil, nil
		}
		if isWrapped(v.V) {
			return v.V, nil
		}
	}
	if cmd.ListOnly {
		if items, ok := Listing(n); ok {
			return map[string]interface{}{KeyPathItemList: items}, nil
		}
	}
	return map[string]interface{}{KeyPathItem: Plain(n)}, nil
}

func isWrapped(v interface{}) bool {
	m, ok := v.(map[string]interface{})
	if !ok {
		return false
	}
	if _, ok := m[KeyPathItem]; ok {
		return true
	}
	_, ok = m[KeyPathItemList]
	return ok
}

// Listing summarises the children of n, sorted by name. It reports false when
// n has no children to list (a scalar or function).
func Listing(n Node) ([]PathItem, bool) {
	if v, ok := n.(Value); ok {
		switch v.V.(type) {
		case map[string]interface{}, []interface{}:
			n = FromData(v.V)
		}
	}
	switch t := n.(type) {
	case Container:
		items := make([]PathItem, 0, len(t))
		for name, child := range t {
			items = append(items, describe(name, child))
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
		return items, true
	case List:
		items := make([]PathItem, 0, len(t))
		for i, child := range t {
			items = append(items, describe(strconv.Itoa(i), child))
		}
		return items, true
	}
	return nil, false
}

func describe(name string, n Node) PathItem {
	switch t := n.(type) {
	case Container:
		return PathItem{Name: name, Type: TypeObject, Value: len(t)}
	case List:
		return PathItem{Name: name, Type: TypeArray, Value: len(t)}
	case Delegate:
		return PathItem{Name: name, Type: TypeFunction, Value: nil}
	case Value:
		switch v := t.V.(type) {
		case nil:
			return PathItem{Name: name, Type: TypeNull, Value: nil}
		case string:
			return PathItem{Name: name, Type: TypeString, Value: v}
		case bool:
			return PathItem{Name: name, Type: TypeBoolean, Value: v}
		case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
			return PathItem{Name: name, Type: TypeNumber, Value: v}
		case map[string]interface{}:
			return PathItem{Name: name, Type: TypeObject, Value: len(v)}
		case []interface{}:
			return PathItem{Name: name, Type: TypeArray, Value: len(v)}
		default:
			return PathItem{Name: name, Type: TypeObject, Value: nil}
		}
	}
	return PathItem{Name: name, Type: TypeNull}
}

// Plain converts a tree into JSON-encodable data. Delegates are dropped
// from containers and become null in lists.
func Plain(n Node) interface{} {
	switch t := n.(type) {
	case Value:
		return t.V
	case Container:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			if _, ok := child.(Delegate); ok {
				continue
			}
			out[k] = Plain(child)
		}
		return out
	case List:
		out := make([]interface{}, len(t))
		for i, child := range t {
			if _, ok := child.(Delegate); ok {
				continue
			}
			out[i] = Plain(child)
		}
		return out
	}
	return nil
}
