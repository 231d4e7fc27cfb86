package logix

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"eiptag/cip"
	"eiptag/logging"
)

// connectionSizes are tried in order: large Forward Open, then standard.
var connectionSizes = []uint16{cip.ConnectionSizeLarge, cip.ConnectionSizeStandard}

// messageRouter is the connection target, class 2 instance 1.
var messageRouter = cip.Path{0x20, 0x02, 0x24, 0x01}

// connectionPath is the route followed by the Message Router.
func (c *Client) connectionPath() cip.Path {
	return append(slices.Clone(c.opts.routePath), messageRouter...)
}

// openConnection establishes a class 3 connection. A refused large Forward
// Open is retried with the standard size; transport errors are not.
func (c *Client) openConnection(ctx context.Context) error {
	path := c.connectionPath()
	var lastErr error
	for _, size := range connectionSizes {
		cfg := cip.NewForwardOpenConfig(size, path)
		resp, err := c.sendUnconnected(ctx, cip.EncodeForwardOpen(cfg), nil)
		if err == nil {
			var conn *cip.Connection
			if conn, err = cip.ParseForwardOpenReply(resp, cfg); err == nil {
				c.mu.Lock()
				c.conn, c.connPath = conn, path
				c.mu.Unlock()
				c.log.Info("connection opened",
					zap.Uint16("size", conn.Size),
					zap.Uint32("ot_id", conn.OTConnID),
					zap.Uint32("to_id", conn.TOConnID))
				return nil
			}
			err = protocolErr(err)
		}
		lastErr = err
		if !IsControllerRejected(err) {
			break
		}
		logging.DebugLog("LOGIX", "forward open with size %d refused: %v", size, err)
	}
	return lastErr
}

// closeConnection sends a best-effort Forward Close.
func (c *Client) closeConnection(ctx context.Context) {
	c.mu.Lock()
	conn, path := c.conn, c.connPath
	c.conn, c.connPath = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return
	}

	resp, err := c.sendUnconnected(ctx, cip.EncodeForwardClose(conn, path), nil)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		c.log.Debug("forward close failed", zap.Error(err))
		return
	}
	c.log.Info("connection closed", zap.Uint32("ot_id", conn.OTConnID))
}
