package live

import "time"

// heartbeat pings the server every interval until conn closes. A failed ping
// write is treated as transport loss. The pong arrives in the read loop,
// whose idle deadline (interval plus HeartbeatTimeout) catches a server that
// stopped answering.
func (c *Channel) heartbeat(conn *connection, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.writePing(); err != nil {
				c.logger.Warn().Err(err).Str("conn_id", conn.id).Msg("heartbeat ping failed")
				c.lost(conn, err)
				return
			}
		}
	}
}
