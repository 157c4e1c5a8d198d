package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

type GrpcServer struct {
	core *usecase.CoreUseCase
}

func NewGrpcServer(core *usecase.CoreUseCase) *GrpcServer {
	return &GrpcServer{
		core: core,
	}
}

// NewServer 建立 grpc.Server：註冊 ledger 服務、health 與 reflection，
// 並掛上 logging / auth 攔截器
func NewServer(core *usecase.CoreUseCase, resolver usecase.IdentityResolver, logger *slog.Logger) *grpc.Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(logger),
			AuthInterceptor(resolver),
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
		}),
	)
	RegisterLedgerServiceServer(s, NewGrpcServer(core))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	reflection.Register(s) // 方便 gRPC Client 測試 (如 grpcurl/Postman)
	return s
}

func reply(fields map[string]any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *GrpcServer) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	balance, err := s.core.GetBalance(ctx, CallerFromContext(ctx), stringField(req, "accountId"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(balanceFields(balance), nil)
}

func (s *GrpcServer) Credit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	amount, err := int64Field(req, "amount")
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.core.Credit(ctx, CallerFromContext(ctx), usecase.CreditRequest{
		AccountID:    stringField(req, "accountId"),
		Amount:       amount,
		Reason:       stringField(req, "reason"),
		RequestToken: stringField(req, "requestToken"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(resultFields(res), nil)
}

func (s *GrpcServer) Debit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	amount, err := int64Field(req, "amount")
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.core.Debit(ctx, CallerFromContext(ctx), usecase.DebitRequest{
		AccountID:    stringField(req, "accountId"),
		Amount:       amount,
		Reason:       stringField(req, "reason"),
		RequestToken: stringField(req, "requestToken"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(resultFields(res), nil)
}

func (s *GrpcServer) Transfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	amount, err := int64Field(req, "amount")
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.core.Transfer(ctx, CallerFromContext(ctx), usecase.TransferRequest{
		FromAccountID: stringField(req, "fromAccountId"),
		ToAccountID:   stringField(req, "toAccountId"),
		Amount:        amount,
		Reason:        stringField(req, "reason"),
		RequestToken:  stringField(req, "requestToken"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(resultFields(res), nil)
}

func (s *GrpcServer) Withdraw(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	amount, err := int64Field(req, "amount")
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.core.Withdraw(ctx, CallerFromContext(ctx), usecase.WithdrawRequest{
		AccountID:      stringField(req, "accountId"),
		Amount:         amount,
		Method:         stringField(req, "method"),
		AccountDetails: stringField(req, "accountDetails"),
		RequestToken:   stringField(req, "requestToken"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(resultFields(res), nil)
}

func (s *GrpcServer) SettleWithdrawal(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.core.SettleWithdrawal(ctx, CallerFromContext(ctx), usecase.SettleRequest{
		TransactionID: stringField(req, "transactionId"),
		Approved:      boolField(req, "approved"),
		Reason:        stringField(req, "reason"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(resultFields(res), nil)
}

func (s *GrpcServer) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, err := int64Field(req, "limit")
	if err != nil {
		return nil, toStatus(err)
	}
	page, err := s.core.History(ctx, CallerFromContext(ctx), stringField(req, "accountId"), stringField(req, "cursor"), int(limit))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(pageFields(page), nil)
}

var _ LedgerServiceServer = (*GrpcServer)(nil)
