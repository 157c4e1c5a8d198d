package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorSurvivesSnapshot(t *testing.T) {
	data, err := json.Marshal(Result{Err: ErrInsufficientFunds})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored Result
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	_, outcome := restored.Outcome()
	if !errors.Is(outcome, ErrInsufficientFunds) {
		t.Fatalf("restored error %v does not match", outcome)
	}
	if errors.Is(outcome, ErrConflict) {
		t.Fatal("restored error must not match a different kind")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{ErrConflict, KindConflict, true},
		{fmt.Errorf("wrap: %w", ErrSelfTransfer), KindSelfTransfer, false},
		{errors.New("driver: broken pipe"), KindStorageUnavailable, true},
		{ErrRequestInFlight, KindConflict, true},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.kind)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}
