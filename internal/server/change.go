// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"github.com/nishisan-dev/syncd/internal/protocol"
	"github.com/nishisan-dev/syncd/internal/session"
)

// uploadChange and deleteChange build the session.Change values the engine
// submits to the fan-out queue after a successful local mutation (§4.4).
func uploadChange(name string) session.Change {
	return session.Change{Kind: protocol.TypeUploadReq, Name: name}
}

func deleteChange(name string) session.Change {
	return session.Change{Kind: protocol.TypeDeleteReq, Name: name}
}
