// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Ticket is what a listener hands a prospective client out of band: the
// destination address to send to, the shared secret, and an opaque tag
// the server uses to route the connection.
type Ticket struct {
	Destination   string `cbor:"1,keyasint"`
	Secret        []byte `cbor:"2,keyasint"`
	ConnectionTag string `cbor:"3,keyasint,omitempty"`
}

// Marshal serializes the ticket.
func (t *Ticket) Marshal() ([]byte, error) {
	if t.Destination == "" || len(t.Secret) < 32 {
		return nil, errors.New("stream: ticket: destination and a 32 byte secret are required")
	}
	return cbor.Marshal(t)
}

// UnmarshalTicket parses a serialized ticket.
func UnmarshalTicket(data []byte) (*Ticket, error) {
	t := new(Ticket)
	if err := cbor.Unmarshal(data, t); err != nil {
		return nil, err
	}
	if t.Destination == "" || len(t.Secret) < 32 {
		return nil, errors.New("stream: ticket: incomplete")
	}
	return t, nil
}
