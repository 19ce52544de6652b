package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

func serve(t *testing.T, basePath []string, resolve Resolver, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httprouter.New()
	Register(r, "/mesh", basePath, resolve)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequestBecomesPathCmd(t *testing.T) {
	var got *protocol.PathCmd
	resolve := func(_ context.Context, cmd *protocol.PathCmd) (interface{}, error) {
		got = cmd
		return map[string]interface{}{"pathItem": "x"}, nil
	}
	rec := serve(t, []string{"Mesh"}, resolve, "/mesh/Services/Echo?listOnly=1", map[string]string{"Authorization": "secret"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	require.Equal(t, MethodGetPath, got.Method)
	require.Equal(t, []string{"Mesh", "Services", "Echo"}, got.PathList)
	require.True(t, got.ListOnly)
	require.Equal(t, "secret", got.AuthKey)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "x", body["pathItem"])
}

func TestRootRoute(t *testing.T) {
	var got *protocol.PathCmd
	resolve := func(_ context.Context, cmd *protocol.PathCmd) (interface{}, error) {
		got = cmd
		return nil, nil
	}
	rec := serve(t, nil, resolve, "/mesh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, got.PathList)
	require.False(t, got.ListOnly)
	require.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestErrorStillReturns200(t *testing.T) {
	resolve := func(context.Context, *protocol.PathCmd) (interface{}, error) {
		return nil, errors.New("boom")
	}
	rec := serve(t, nil, resolve, "/mesh/anything", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestFormatIndents(t *testing.T) {
	resolve := func(context.Context, *protocol.PathCmd) (interface{}, error) {
		return map[string]interface{}{"a": 1}, nil
	}
	rec := serve(t, nil, resolve, "/mesh/x?format=1", nil)
	require.Contains(t, rec.Body.String(), "\n  \"a\": 1")
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/", nil},
		{"/a/b", []string{"a", "b"}},
		{"//a///b/", []string{"a", "b"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, SplitPath(tt.in), tt.in)
	}
}
