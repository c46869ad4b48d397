package client

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// HandleCancel services a CancelRequest, which PostgreSQL always sends on
// a brand-new connection rather than the session being canceled (spec.md
// §4.5 step 1, §4.6's cancellation semantics). It resolves the (client
// pid, client secret) pair to whichever backend that client session is
// currently attached to, dials a throwaway connection to the same target,
// forwards a raw CancelRequest carrying the backend's own (pid, secret),
// and poisons that backend PID so the pool discards it at its next
// checkout instead of handing a half-canceled connection to another
// client (spec.md §4.4 step 3).
func HandleCancel(deps *Deps, clientPID, clientSecret uint32) {
	target, backendPID, backendSecret, bp, ok := deps.Registry.LookupCancel(clientPID, clientSecret)
	if !ok {
		if deps.Metrics != nil {
			deps.Metrics.CancelRequest("unmatched")
		}
		return
	}

	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		slog.Warn("dialing backend for CancelRequest", "addr", addr, "err", err)
		if deps.Metrics != nil {
			deps.Metrics.CancelRequest("denied")
		}
		return
	}
	defer conn.Close()

	var body [16]byte
	binary.BigEndian.PutUint32(body[0:4], 16)
	binary.BigEndian.PutUint32(body[4:8], wire.CancelRequestCode)
	binary.BigEndian.PutUint32(body[8:12], backendPID)
	binary.BigEndian.PutUint32(body[12:16], backendSecret)
	if _, err := conn.Write(body[:]); err != nil {
		slog.Warn("sending CancelRequest", "addr", addr, "err", err)
		if deps.Metrics != nil {
			deps.Metrics.CancelRequest("denied")
		}
		return
	}

	if bp != nil {
		bp.Poison(backendPID)
	}
	if deps.Metrics != nil {
		deps.Metrics.CancelRequest("matched")
	}
}
