package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
)

// EvaluateMethod is the full gRPC method name of the remote evaluator.
const EvaluateMethod = "/tradebot.strategy.v1.SignalService/Evaluate"

const defaultRemoteTimeout = 5 * time.Second

// Remote forwards evaluations to an external evaluator over gRPC. The param
// "remote_variant" names the variant the server should run.
type Remote struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// DialRemote connects to a remote evaluator at addr.
func DialRemote(addr string, opts ...grpc.DialOption) (*Remote, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial remote evaluator: %w", err)
	}
	return &Remote{conn: conn, timeout: defaultRemoteTimeout}, nil
}

func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Remote) Name() string            { return "remote" }
func (r *Remote) Category() string        { return db.CategorySignal }
func (r *Remote) MinCandles(p Params) int { return p.Int("min_candles", 1) }

func (r *Remote) Evaluate(ctx context.Context, in Input) (Decision, error) {
	req, err := encodeInput(in.Params.String("remote_variant", ""), in)
	if err != nil {
		return Decision{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, EvaluateMethod, req, resp); err != nil {
		return Decision{}, fmt.Errorf("remote evaluate: %w", err)
	}
	return decodeDecision(resp)
}

// SignalServer serves a local variant set over EvaluateMethod.
type SignalServer struct {
	variants *VariantSet
}

func NewSignalServer(variants *VariantSet) *SignalServer {
	return &SignalServer{variants: variants}
}

func (s *SignalServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, in, err := decodeInput(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	variant, ok := s.variants.Lookup(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown variant %q", name)
	}
	if len(in.Candles) < variant.MinCandles(in.Params) {
		return encodeDecision(Hold("insufficient data"))
	}
	decision, err := variant.Evaluate(ctx, in)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encodeDecision(decision)
}

type signalService interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SignalServiceDesc describes the evaluator service for grpc.Server.RegisterService.
var SignalServiceDesc = grpc.ServiceDesc{
	ServiceName: "tradebot.strategy.v1.SignalService",
	HandlerType: (*signalService)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Evaluate",
		Handler:    evaluateHandler,
	}},
	Metadata: "tradebot/strategy/v1/signal.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(signalService).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(signalService).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterSignalServer attaches srv to a gRPC server.
func RegisterSignalServer(s *grpc.Server, srv *SignalServer) {
	s.RegisterService(&SignalServiceDesc, srv)
}

func encodeInput(variant string, in Input) (*structpb.Struct, error) {
	candles := make([]any, 0, len(in.Candles))
	for _, c := range in.Candles {
		candles = append(candles, map[string]any{
			"open_time":  c.OpenTime.UnixMilli(),
			"close_time": c.CloseTime.UnixMilli(),
			"open":       c.Open.String(),
			"high":       c.High.String(),
			"low":        c.Low.String(),
			"close":      c.Close.String(),
			"volume":     c.Volume.String(),
		})
	}
	params := map[string]any{}
	for k, v := range in.Params {
		params[k] = v
	}
	req, err := structpb.NewStruct(map[string]any{
		"variant":   variant,
		"symbol":    in.Symbol,
		"timeframe": in.Timeframe,
		"params":    params,
		"candles":   candles,
	})
	if err != nil {
		return nil, fmt.Errorf("encode remote request: %w", err)
	}
	return req, nil
}

func decodeInput(req *structpb.Struct) (string, Input, error) {
	m := req.AsMap()
	name, _ := m["variant"].(string)
	if name == "" {
		return "", Input{}, errors.New("variant is required")
	}
	in := Input{Params: Params{}}
	in.Symbol, _ = m["symbol"].(string)
	in.Timeframe, _ = m["timeframe"].(string)
	if params, ok := m["params"].(map[string]any); ok {
		in.Params = Params(params)
	}
	raw, _ := m["candles"].([]any)
	for i, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			return "", Input{}, fmt.Errorf("candle %d: not an object", i)
		}
		c, err := decodeCandle(fields)
		if err != nil {
			return "", Input{}, fmt.Errorf("candle %d: %w", i, err)
		}
		in.Candles = append(in.Candles, c)
	}
	return name, in, nil
}

func decodeCandle(f map[string]any) (common.Candle, error) {
	var (
		c   common.Candle
		err error
	)
	parse := func(key string) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		s, _ := f[key].(string)
		var d decimal.Decimal
		d, err = decimal.NewFromString(s)
		if err != nil {
			err = fmt.Errorf("%s: %w", key, err)
		}
		return d
	}
	c.Open, c.High, c.Low, c.Close, c.Volume = parse("open"), parse("high"), parse("low"), parse("close"), parse("volume")
	openMs, _ := f["open_time"].(float64)
	closeMs, _ := f["close_time"].(float64)
	c.OpenTime = time.UnixMilli(int64(openMs))
	c.CloseTime = time.UnixMilli(int64(closeMs))
	return c, err
}

func encodeDecision(d Decision) (*structpb.Struct, error) {
	indicators := map[string]any{}
	for k, v := range d.Indicators {
		indicators[k] = v
	}
	m := map[string]any{
		"direction":  d.Direction,
		"rationale":  d.Rationale,
		"indicators": indicators,
	}
	if d.Confidence != nil {
		m["confidence"] = *d.Confidence
	}
	return structpb.NewStruct(m)
}

func decodeDecision(resp *structpb.Struct) (Decision, error) {
	m := resp.AsMap()
	var d Decision
	d.Direction, _ = m["direction"].(string)
	switch d.Direction {
	case DirectionBuy, DirectionSell, DirectionHold:
	default:
		return Decision{}, fmt.Errorf("remote evaluate: unexpected direction %q", d.Direction)
	}
	d.Rationale, _ = m["rationale"].(string)
	if c, ok := m["confidence"].(float64); ok {
		d.Confidence = Confidence(c)
	}
	if ind, ok := m["indicators"].(map[string]any); ok {
		d.Indicators = make(map[string]float64, len(ind))
		for k, v := range ind {
			if f, ok := v.(float64); ok {
				d.Indicators[k] = f
			}
		}
	}
	return d, nil
}
