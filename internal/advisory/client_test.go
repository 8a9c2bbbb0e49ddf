package advisory

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"options-core/internal/strategy"
)

type forecaster struct {
	delay time.Duration
	got   chan map[string]any
}

func (f *forecaster) predict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.got <- in.AsMap()
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	direction := "up"
	if in.GetFields()["type"].GetStringValue() == "PE" {
		direction = "down"
	}
	return structpb.NewStruct(map[string]any{"direction": direction, "confidence": 0.8})
}

var forecasterDesc = grpc.ServiceDesc{
	ServiceName: "advisory.Forecaster",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Predict",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*forecaster).predict(ctx, in)
		},
	}},
}

func serve(t *testing.T, f *forecaster, timeout time.Duration) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	s.RegisterService(&forecasterDesc, f)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c, err := Dial(Config{Addr: "passthrough:///bufnet", Timeout: timeout},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func signal() strategy.SignalCandle {
	return strategy.SignalCandle{
		Type:       strategy.SidePE,
		Start:      time.Date(2024, 1, 10, 4, 30, 0, 0, time.UTC),
		High:       45100,
		Low:        45000,
		SequenceID: 3,
		EMA:        44950,
		RSI:        72,
	}
}

func TestAdviseRoundTrip(t *testing.T) {
	f := &forecaster{got: make(chan map[string]any, 1)}
	c := serve(t, f, time.Second)

	out, err := c.Advise(context.Background(), "dep-1", signal())
	require.NoError(t, err)
	assert.Equal(t, "down", out["direction"])
	assert.Equal(t, 0.8, out["confidence"])

	req := <-f.got
	assert.Equal(t, "dep-1", req["deployment_id"])
	assert.Equal(t, "PE", req["type"])
	assert.Equal(t, "2024-01-10T04:30:00Z", req["start"])
	assert.Equal(t, 45000.0, req["low"])
	assert.Equal(t, 3.0, req["sequence_id"])
}

func TestAdviseTimesOut(t *testing.T) {
	f := &forecaster{delay: time.Second, got: make(chan map[string]any, 1)}
	c := serve(t, f, 50*time.Millisecond)

	_, err := c.Advise(context.Background(), "dep-1", signal())
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestDialNeedsAddress(t *testing.T) {
	_, err := Dial(Config{})
	assert.Error(t, err)
	var c *Client
	assert.NoError(t, c.Close())
}
