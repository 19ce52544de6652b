package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"bogus"}`))
	require.Error(t, err)

	f, err := Unmarshal([]byte(`{"type":"cmd","method":"hello","token":"1","params":{"kind":"peer"}}`))
	require.NoError(t, err)
	require.Equal(t, CmdHello, f.Method)
	require.JSONEq(t, `{"kind":"peer"}`, string(f.Params))
}

func TestFailureStatusIsSerialized(t *testing.T) {
	f := &Frame{Type: FrameReply, Token: "7", Status: StatusFailure}
	b, err := f.Marshal()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	require.Contains(t, m, "status")
	require.EqualValues(t, 0, m["status"])
}

func TestHelloValidate(t *testing.T) {
	tests := []struct {
		name    string
		hello   *Hello
		wantErr bool
	}{
		{"peer", PeerHello(&NodeDeclaration{NodeID: "p1"}, ""), false},
		{"peer without declaration", &Hello{Kind: HelloPeer}, true},
		{"consumer", NewConsumerHello("drpctl", "", ""), false},
		{"consumer without agent", &Hello{Kind: HelloConsumer, Consumer: &ConsumerHello{}}, true},
		{"unknown kind", &Hello{Kind: "sidecar"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.hello.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDeclarationClone(t *testing.T) {
	d := &NodeDeclaration{
		NodeID:    "p1",
		NodeRoles: []Role{RoleProvider},
		Streams:   map[string]string{"News": "headlines"},
		Services:  map[string]ServiceDecl{"Echo": {ClientCmds: []string{"ping"}}},
		SourceInstances: map[string]map[string]ClassInstance{
			"inst1": {"Person": {RecordPath: []string{"Services", "Hive"}}},
		},
	}
	c := d.Clone()
	c.Streams["Other"] = "x"
	c.Services["Echo"].ClientCmds[0] = "pong"
	c.SourceInstances["inst1"]["Person"].RecordPath[0] = "Mesh"

	require.Len(t, d.Streams, 1)
	require.Equal(t, "ping", d.Services["Echo"].ClientCmds[0])
	require.Equal(t, "Services", d.SourceInstances["inst1"]["Person"].RecordPath[0])
	require.True(t, c.HasRole(RoleProvider))
	require.True(t, d.Roles().Contains(RoleProvider))
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole("Broker")
	require.True(t, ok)
	require.Equal(t, RoleBroker, r)
	_, ok = ParseRole("broker")
	require.False(t, ok)
	require.Equal(t, []Role{RoleBroker, RoleRegistry}, SortedRoles(RoleSet(RoleRegistry, RoleBroker)))
}
