package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), txKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil tx for wrong value type")
	}
}

// stubTx satisfies pgx.Tx through the embedded interface; only identity matters here.
type stubTx struct{ pgx.Tx }

func TestConn_PrefersTransaction(t *testing.T) {
	tx := &stubTx{}
	ctx := ContextWithTx(context.Background(), tx)

	if got := Conn(ctx, nil); got != Querier(tx) {
		t.Error("expected Conn to return the context transaction")
	}
	if TxFromContext(ctx) != pgx.Tx(tx) {
		t.Error("expected TxFromContext to return the stored transaction")
	}
}

func TestWithinTx_JoinsOuterTransaction(t *testing.T) {
	tx := &stubTx{}
	ctx := ContextWithTx(context.Background(), tx)
	r := NewTxRunner(nil)

	called := false
	err := r.WithinTx(ctx, func(inner context.Context) error {
		called = true
		if TxFromContext(inner) != pgx.Tx(tx) {
			t.Error("expected nested call to see the outer transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fn to run")
	}
}

func TestWithinTx_PropagatesNestedError(t *testing.T) {
	ctx := ContextWithTx(context.Background(), &stubTx{})
	want := errors.New("boom")
	if err := NewTxRunner(nil).WithinTx(ctx, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestWithinTx_NoPool(t *testing.T) {
	err := NewTxRunner(nil).WithinTx(context.Background(), func(context.Context) error {
		t.Error("fn must not run without a pool")
		return nil
	})
	if err == nil {
		t.Error("expected error without a pool")
	}
}
