package grpc

import (
	"math"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

var errInvalidField = &domain.Error{Kind: domain.KindInvalidRequest, Message: "request has an invalid field"}

func stringField(req *structpb.Struct, name string) string {
	if v, ok := req.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

func boolField(req *structpb.Struct, name string) bool {
	if v, ok := req.GetFields()[name]; ok {
		return v.GetBoolValue()
	}
	return false
}

// int64Field 接受字串 ("1000") 或數字 (須為整數且不超過 2^53)
func int64Field(req *structpb.Struct, name string) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil {
			return 0, errInvalidField
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := kind.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return 0, errInvalidField
		}
		return int64(f), nil
	case *structpb.Value_NullValue:
		return 0, nil
	}
	return 0, errInvalidField
}

func resultFields(res domain.Result) map[string]any {
	out := map[string]any{
		"transactionId": res.TransactionID,
		"groupId":       res.GroupID,
		"accountId":     res.AccountID,
		"balanceAfter":  strconv.FormatInt(res.BalanceAfter, 10),
		"display":       domain.FormatAmount(res.BalanceAfter),
	}
	if len(res.Records) > 0 {
		records := make([]any, 0, len(res.Records))
		for _, rec := range res.Records {
			records = append(records, recordFields(rec))
		}
		out["records"] = records
	}
	return out
}

func recordFields(rec domain.TransactionRecord) map[string]any {
	return map[string]any{
		"sequence":              strconv.FormatUint(rec.Sequence, 10),
		"transactionId":         rec.TransactionID,
		"groupId":               rec.GroupID,
		"kind":                  rec.Kind.String(),
		"status":                string(rec.Status),
		"accountId":             rec.AccountID,
		"counterpartyAccountId": rec.CounterpartyAccountID,
		"amount":                strconv.FormatInt(rec.Amount, 10),
		"balanceBefore":         strconv.FormatInt(rec.BalanceBefore, 10),
		"balanceAfter":          strconv.FormatInt(rec.BalanceAfter, 10),
		"reason":                rec.Reason,
		"createdAt":             rec.CreatedAt.Format(time.RFC3339Nano),
	}
}

func balanceFields(b domain.Balance) map[string]any {
	return map[string]any{
		"accountId": b.AccountID,
		"balance":   strconv.FormatInt(b.Balance, 10),
		"display":   b.Display,
		"version":   strconv.FormatInt(b.Version, 10),
	}
}

func pageFields(page domain.RecordPage) map[string]any {
	records := make([]any, 0, len(page.Records))
	for _, rec := range page.Records {
		records = append(records, recordFields(rec))
	}
	return map[string]any{
		"records":    records,
		"nextCursor": page.NextCursor,
	}
}
