package grpc

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// LedgerServiceClient 以 structpb 呼叫 ledger 服務
type LedgerServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerServiceClient(cc grpc.ClientConnInterface) *LedgerServiceClient {
	return &LedgerServiceClient{cc: cc}
}

// Call 呼叫任一方法，回傳 response 的 map 形式
func (c *LedgerServiceClient) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *LedgerServiceClient) GetBalance(ctx context.Context, accountID string, opts ...grpc.CallOption) (map[string]any, error) {
	return c.Call(ctx, "GetBalance", map[string]any{"accountId": accountID}, opts...)
}

func (c *LedgerServiceClient) Credit(ctx context.Context, accountID string, amount int64, reason, requestToken string, opts ...grpc.CallOption) (map[string]any, error) {
	return c.Call(ctx, "Credit", map[string]any{
		"accountId":    accountID,
		"amount":       strconv.FormatInt(amount, 10),
		"reason":       reason,
		"requestToken": requestToken,
	}, opts...)
}

func (c *LedgerServiceClient) Transfer(ctx context.Context, from, to string, amount int64, reason, requestToken string, opts ...grpc.CallOption) (map[string]any, error) {
	return c.Call(ctx, "Transfer", map[string]any{
		"fromAccountId": from,
		"toAccountId":   to,
		"amount":        strconv.FormatInt(amount, 10),
		"reason":        reason,
		"requestToken":  requestToken,
	}, opts...)
}

// WithToken 在 outgoing metadata 帶上 bearer token
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+token)
}

// TokenInterceptor 請求未帶 token 時補上預設 bearer token (供 pkg/grpc Pool 使用)
// 已用 WithToken 指定身分的請求維持原樣
func TokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if md, ok := metadata.FromOutgoingContext(ctx); !ok || len(md.Get(authorizationHeader)) == 0 {
			ctx = WithToken(ctx, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
