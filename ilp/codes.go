// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package ilp

import "bytes"

// Reject codes the core reacts to. The first letter classifies the
// error: F are final, T are temporary, R are relative timeout errors
// (treated as temporary here).
const (
	CodeBadRequest            = "F00"
	CodeUnexpectedPayment     = "F06"
	CodeAmountTooLarge        = "F08"
	CodeApplicationError      = "F99"
	CodeInternalError         = "T00"
	CodeInsufficientLiquidity = "T04"
)

// IsTemporary reports whether a reject code names a retryable
// condition.
func IsTemporary(code string) bool {
	return len(code) == 3 && (code[0] == 'T' || code[0] == 'R')
}

// IsFinal reports whether a reject code names a permanent failure.
func IsFinal(code string) bool {
	return len(code) == 3 && code[0] == 'F'
}

// AmountTooLargeData is the detail body of an F08 reject: how much
// arrived at the rejecting hop and the most it would have accepted.
type AmountTooLargeData struct {
	ReceivedAmount uint64
	MaximumAmount  uint64
}

// Encode serializes the F08 detail body.
func (d *AmountTooLargeData) Encode() []byte {
	var w bytes.Buffer
	writeVarUint(&w, d.ReceivedAmount)
	writeVarUint(&w, d.MaximumAmount)
	return w.Bytes()
}

// DecodeAmountTooLargeData parses an F08 detail body.
func DecodeAmountTooLargeData(data []byte) (*AmountTooLargeData, error) {
	r := bytes.NewReader(data)
	d := new(AmountTooLargeData)
	var err error
	if d.ReceivedAmount, err = readVarUint(r); err != nil {
		return nil, err
	}
	if d.MaximumAmount, err = readVarUint(r); err != nil {
		return nil, err
	}
	return d, nil
}
