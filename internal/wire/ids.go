// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package wire holds the command/message types exchanged between the
// stealer core and the outer agent, plus the data-model types shared
// across the core's components. It has no dependency on the event
// loop itself so every component can import it without a cycle.
package wire

import "fmt"

// ClientID is an opaque id assigned by the outer agent to a connected
// layer/client.
type ClientID uint32

// ConnectionID is a dense id issued by the index allocator, unique
// while the connection is live.
type ConnectionID int

// RequestID is unique within one ConnectionID, assigned by the filter
// task that owns that connection.
type RequestID uint32

// Port is a TCP port number on the target workload.
type Port uint16

func (c ClientID) String() string     { return fmt.Sprintf("client#%d", uint32(c)) }
func (c ConnectionID) String() string { return fmt.Sprintf("conn#%d", int(c)) }
func (r RequestID) String() string    { return fmt.Sprintf("req#%d", uint32(r)) }
func (p Port) String() string         { return fmt.Sprintf("%d", uint16(p)) }
