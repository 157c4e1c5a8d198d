package domain

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// ID 前綴
const (
	PrefixTransaction   = "txn"
	PrefixTransferGroup = "tgrp"
)

// NewTransactionID 產生可排序的交易 ID (txn_...)
func NewTransactionID() string {
	return newID(PrefixTransaction)
}

// NewGroupID 產生轉帳群組 ID (tgrp_...)
func NewGroupID() string {
	return newID(PrefixTransferGroup)
}

func newID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("domain: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}
