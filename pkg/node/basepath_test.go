package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/drpmesh/pkg/pathing"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

type recordingSender struct{ got []interface{} }

func (s *recordingSender) SendStream(_ string, _ protocol.Status, payload interface{}) error {
	s.got = append(s.got, payload)
	return nil
}

func TestStreamsPathCounters(t *testing.T) {
	t.Parallel()
	n := New(Config{NodeID: "n1"})
	n.AddStream("News", "desc")
	sub := &recordingSender{}
	n.Topics().SubscribeToTopic("News", sub, "t1", nil)
	n.SendToTopic("News", "a")
	n.SendToTopic("News", "b")
	require.Len(t, sub.got, 2)

	ctx := context.Background()
	get := func(field string) interface{} {
		res, err := n.GetObjFromPath(ctx, &protocol.PathCmd{PathList: []string{"Streams", "News", field}})
		require.NoError(t, err)
		return res.(map[string]interface{})[pathing.KeyPathItem]
	}
	require.Equal(t, "desc", get("Description"))
	require.Equal(t, 1, get("SubscriberCount"))
	require.EqualValues(t, 2, get("ReceivedMessages"))
	require.EqualValues(t, 2, get("SentMessages"))
	require.Equal(t, []interface{}{"a", "b"}, get("History"))
}
