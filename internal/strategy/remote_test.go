package strategy

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func startSignalServer(t *testing.T, variants *VariantSet) *Remote {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterSignalServer(srv, NewSignalServer(variants))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	remote, err := DialRemote("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })
	return remote
}

func TestRemoteRoundTrip(t *testing.T) {
	stub := &stubVariant{name: "stub", category: "signal", min: 2, decision: Decision{
		Direction:  DirectionBuy,
		Confidence: Confidence(0.9),
		Rationale:  "remote says buy",
		Indicators: map[string]float64{"score": 4.5},
	}}
	remote := startSignalServer(t, NewVariantSet(stub))

	in := Input{
		Symbol:    "BTCPHP",
		Timeframe: "1h",
		Candles:   candlesFrom([]float64{100, 101.25, 102}, nil),
		Params:    Params{"remote_variant": "stub", "period": 14},
	}
	d, err := remote.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, DirectionBuy, d.Direction)
	require.NotNil(t, d.Confidence)
	assert.Equal(t, 0.9, *d.Confidence)
	assert.Equal(t, "remote says buy", d.Rationale)
	assert.Equal(t, 4.5, d.Indicators["score"])

	require.NotNil(t, stub.seen)
	assert.Equal(t, "BTCPHP", stub.seen.Symbol)
	require.Len(t, stub.seen.Candles, 3)
	assert.True(t, stub.seen.Candles[1].Close.Equal(dec(101.25)))
	assert.True(t, stub.seen.Candles[1].OpenTime.Equal(in.Candles[1].OpenTime))
	assert.Equal(t, 14.0, stub.seen.Params.Float("period", 0))
}

func TestRemoteHoldsOnShortSeries(t *testing.T) {
	stub := &stubVariant{name: "stub", min: 10, decision: Decision{Direction: DirectionBuy}}
	remote := startSignalServer(t, NewVariantSet(stub))

	d, err := remote.Evaluate(context.Background(), Input{
		Candles: candlesFrom([]float64{1, 2}, nil),
		Params:  Params{"remote_variant": "stub"},
	})
	require.NoError(t, err)
	assert.Equal(t, DirectionHold, d.Direction)
	assert.Nil(t, d.Confidence)
}

func TestRemoteUnknownVariant(t *testing.T) {
	remote := startSignalServer(t, DefaultVariants())
	_, err := remote.Evaluate(context.Background(), Input{
		Candles: candlesFrom([]float64{1, 2}, nil),
		Params:  Params{"remote_variant": "nope"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown variant")
}
