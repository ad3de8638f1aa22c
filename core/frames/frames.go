// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package frames

import (
	"bytes"
	"fmt"
)

// Type identifies a frame on the wire.
type Type uint8

const (
	TypeConnectionClose           Type = 0x01
	TypeConnectionNewAddress      Type = 0x02
	TypeConnectionMaxData         Type = 0x03
	TypeConnectionDataBlocked     Type = 0x04
	TypeConnectionMaxStreamID     Type = 0x05
	TypeConnectionStreamIDBlocked Type = 0x06
	TypeConnectionAssetDetails    Type = 0x07
	TypeStreamClose               Type = 0x10
	TypeStreamMoney               Type = 0x11
	TypeStreamMaxMoney            Type = 0x12
	TypeStreamMoneyBlocked        Type = 0x13
	TypeStreamData                Type = 0x14
	TypeStreamMaxData             Type = 0x15
	TypeStreamDataBlocked         Type = 0x16
)

// ErrorCode is carried by ConnectionClose and StreamClose frames.
type ErrorCode uint8

const (
	ErrNoError           ErrorCode = 0x01
	ErrInternalError     ErrorCode = 0x02
	ErrEndpointBusy      ErrorCode = 0x03
	ErrFlowControlError  ErrorCode = 0x04
	ErrStreamIDError     ErrorCode = 0x05
	ErrStreamStateError  ErrorCode = 0x06
	ErrFrameFormatError  ErrorCode = 0x07
	ErrProtocolViolation ErrorCode = 0x08
	ErrApplicationError  ErrorCode = 0x09
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNoError:
		return "NoError"
	case ErrInternalError:
		return "InternalError"
	case ErrEndpointBusy:
		return "EndpointBusy"
	case ErrFlowControlError:
		return "FlowControlError"
	case ErrStreamIDError:
		return "StreamIdError"
	case ErrStreamStateError:
		return "StreamStateError"
	case ErrFrameFormatError:
		return "FrameFormatError"
	case ErrProtocolViolation:
		return "ProtocolViolation"
	case ErrApplicationError:
		return "ApplicationError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(e))
	}
}

// Frame is one typed entry in an inner packet.
type Frame interface {
	Type() Type
	writeBody(w *bytes.Buffer)
	readBody(r *bytes.Reader) error
}

// ConnectionClose terminates the connection.
type ConnectionClose struct {
	ErrorCode ErrorCode
	Message   string
}

func (f *ConnectionClose) Type() Type { return TypeConnectionClose }

func (f *ConnectionClose) writeBody(w *bytes.Buffer) {
	w.WriteByte(byte(f.ErrorCode))
	writeVarString(w, f.Message)
}

func (f *ConnectionClose) readBody(r *bytes.Reader) error {
	c, err := r.ReadByte()
	if err != nil {
		return ErrTruncated
	}
	f.ErrorCode = ErrorCode(c)
	f.Message, err = readVarString(r)
	return err
}

// ConnectionNewAddress tells the peer the sender's source account.
type ConnectionNewAddress struct {
	SourceAccount string
}

func (f *ConnectionNewAddress) Type() Type { return TypeConnectionNewAddress }

func (f *ConnectionNewAddress) writeBody(w *bytes.Buffer) {
	writeVarString(w, f.SourceAccount)
}

func (f *ConnectionNewAddress) readBody(r *bytes.Reader) (err error) {
	f.SourceAccount, err = readVarString(r)
	return
}

// ConnectionMaxData advertises the connection-wide incoming byte ceiling.
type ConnectionMaxData struct {
	MaxOffset uint64
}

func (f *ConnectionMaxData) Type() Type { return TypeConnectionMaxData }

func (f *ConnectionMaxData) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.MaxOffset)
}

func (f *ConnectionMaxData) readBody(r *bytes.Reader) (err error) {
	f.MaxOffset, err = readVarUint(r)
	return
}

// ConnectionDataBlocked reports the sender is byte-limited at the
// connection level.
type ConnectionDataBlocked struct {
	MaxOffset uint64
}

func (f *ConnectionDataBlocked) Type() Type { return TypeConnectionDataBlocked }

func (f *ConnectionDataBlocked) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.MaxOffset)
}

func (f *ConnectionDataBlocked) readBody(r *bytes.Reader) (err error) {
	f.MaxOffset, err = readVarUint(r)
	return
}

// ConnectionMaxStreamID advertises the highest stream id the sender
// will accept.
type ConnectionMaxStreamID struct {
	MaxStreamID uint64
}

func (f *ConnectionMaxStreamID) Type() Type { return TypeConnectionMaxStreamID }

func (f *ConnectionMaxStreamID) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.MaxStreamID)
}

func (f *ConnectionMaxStreamID) readBody(r *bytes.Reader) (err error) {
	f.MaxStreamID, err = readVarUint(r)
	return
}

// ConnectionStreamIDBlocked reports the sender has run out of stream ids.
type ConnectionStreamIDBlocked struct {
	MaxStreamID uint64
}

func (f *ConnectionStreamIDBlocked) Type() Type { return TypeConnectionStreamIDBlocked }

func (f *ConnectionStreamIDBlocked) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.MaxStreamID)
}

func (f *ConnectionStreamIDBlocked) readBody(r *bytes.Reader) (err error) {
	f.MaxStreamID, err = readVarUint(r)
	return
}

// ConnectionAssetDetails announces the sender's asset code and scale.
type ConnectionAssetDetails struct {
	SourceAssetCode  string
	SourceAssetScale uint8
}

func (f *ConnectionAssetDetails) Type() Type { return TypeConnectionAssetDetails }

func (f *ConnectionAssetDetails) writeBody(w *bytes.Buffer) {
	writeVarString(w, f.SourceAssetCode)
	w.WriteByte(f.SourceAssetScale)
}

func (f *ConnectionAssetDetails) readBody(r *bytes.Reader) error {
	var err error
	f.SourceAssetCode, err = readVarString(r)
	if err != nil {
		return err
	}
	f.SourceAssetScale, err = r.ReadByte()
	if err != nil {
		return ErrTruncated
	}
	return nil
}

// StreamClose ends one stream.
type StreamClose struct {
	StreamID  uint64
	ErrorCode ErrorCode
	Message   string
}

func (f *StreamClose) Type() Type { return TypeStreamClose }

func (f *StreamClose) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.StreamID)
	w.WriteByte(byte(f.ErrorCode))
	writeVarString(w, f.Message)
}

func (f *StreamClose) readBody(r *bytes.Reader) error {
	var err error
	f.StreamID, err = readVarUint(r)
	if err != nil {
		return err
	}
	c, err := r.ReadByte()
	if err != nil {
		return ErrTruncated
	}
	f.ErrorCode = ErrorCode(c)
	f.Message, err = readVarString(r)
	return err
}

// StreamMoney allocates a share of the packet's amount to a stream.
type StreamMoney struct {
	StreamID uint64
	Shares   uint64
}

func (f *StreamMoney) Type() Type { return TypeStreamMoney }

func (f *StreamMoney) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.StreamID)
	writeVarUint(w, f.Shares)
}

func (f *StreamMoney) readBody(r *bytes.Reader) error {
	var err error
	f.StreamID, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.Shares, err = readVarUint(r)
	return err
}

// StreamMaxMoney advertises how much a stream may still receive.
type StreamMaxMoney struct {
	StreamID      uint64
	ReceiveMax    uint64
	TotalReceived uint64
}

func (f *StreamMaxMoney) Type() Type { return TypeStreamMaxMoney }

func (f *StreamMaxMoney) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.StreamID)
	writeVarUint(w, f.ReceiveMax)
	writeVarUint(w, f.TotalReceived)
}

func (f *StreamMaxMoney) readBody(r *bytes.Reader) error {
	var err error
	f.StreamID, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.ReceiveMax, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.TotalReceived, err = readVarUint(r)
	return err
}

// StreamMoneyBlocked reports the sender wants to send more value than
// the stream's remote window allows.
type StreamMoneyBlocked struct {
	StreamID  uint64
	SendMax   uint64
	TotalSent uint64
}

func (f *StreamMoneyBlocked) Type() Type { return TypeStreamMoneyBlocked }

func (f *StreamMoneyBlocked) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.StreamID)
	writeVarUint(w, f.SendMax)
	writeVarUint(w, f.TotalSent)
}

func (f *StreamMoneyBlocked) readBody(r *bytes.Reader) error {
	var err error
	f.StreamID, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.SendMax, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.TotalSent, err = readVarUint(r)
	return err
}

// StreamData carries stream bytes at an absolute offset.
type StreamData struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
}

func (f *StreamData) Type() Type { return TypeStreamData }

func (f *StreamData) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.StreamID)
	writeVarUint(w, f.Offset)
	writeVarBytes(w, f.Data)
}

func (f *StreamData) readBody(r *bytes.Reader) error {
	var err error
	f.StreamID, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.Offset, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.Data, err = readVarBytes(r)
	return err
}

// StreamMaxData advertises a stream's incoming byte ceiling.
type StreamMaxData struct {
	StreamID  uint64
	MaxOffset uint64
}

func (f *StreamMaxData) Type() Type { return TypeStreamMaxData }

func (f *StreamMaxData) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.StreamID)
	writeVarUint(w, f.MaxOffset)
}

func (f *StreamMaxData) readBody(r *bytes.Reader) error {
	var err error
	f.StreamID, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.MaxOffset, err = readVarUint(r)
	return err
}

// StreamDataBlocked reports the sender has stream bytes it cannot send.
type StreamDataBlocked struct {
	StreamID  uint64
	MaxOffset uint64
}

func (f *StreamDataBlocked) Type() Type { return TypeStreamDataBlocked }

func (f *StreamDataBlocked) writeBody(w *bytes.Buffer) {
	writeVarUint(w, f.StreamID)
	writeVarUint(w, f.MaxOffset)
}

func (f *StreamDataBlocked) readBody(r *bytes.Reader) error {
	var err error
	f.StreamID, err = readVarUint(r)
	if err != nil {
		return err
	}
	f.MaxOffset, err = readVarUint(r)
	return err
}

func newFrame(t Type) Frame {
	switch t {
	case TypeConnectionClose:
		return new(ConnectionClose)
	case TypeConnectionNewAddress:
		return new(ConnectionNewAddress)
	case TypeConnectionMaxData:
		return new(ConnectionMaxData)
	case TypeConnectionDataBlocked:
		return new(ConnectionDataBlocked)
	case TypeConnectionMaxStreamID:
		return new(ConnectionMaxStreamID)
	case TypeConnectionStreamIDBlocked:
		return new(ConnectionStreamIDBlocked)
	case TypeConnectionAssetDetails:
		return new(ConnectionAssetDetails)
	case TypeStreamClose:
		return new(StreamClose)
	case TypeStreamMoney:
		return new(StreamMoney)
	case TypeStreamMaxMoney:
		return new(StreamMaxMoney)
	case TypeStreamMoneyBlocked:
		return new(StreamMoneyBlocked)
	case TypeStreamData:
		return new(StreamData)
	case TypeStreamMaxData:
		return new(StreamMaxData)
	case TypeStreamDataBlocked:
		return new(StreamDataBlocked)
	default:
		return nil
	}
}
