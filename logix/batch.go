package logix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eiptag/cip"
	"eiptag/eip"
	"eiptag/logging"
)

// multipleServiceReplyOverhead is the reply header plus the service count.
const multipleServiceReplyOverhead = replyHeaderSize + 2

// batchItem is one resolved request waiting to be packed.
type batchItem struct {
	idx       int
	req       TagRequest
	meta      TagMetadata
	value     Value
	cached    bool
	msg       cip.Request
	replySize int
}

// ReadBatch reads names, returning one result per name in the same order.
func (c *Client) ReadBatch(ctx context.Context, names []string) []TagResult {
	reqs := make([]TagRequest, len(names))
	for i, n := range names {
		reqs[i] = Read(n)
	}
	return c.Batch(ctx, reqs)
}

// WriteBatch writes every request, whatever its Op.
func (c *Client) WriteBatch(ctx context.Context, reqs []TagRequest) []TagResult {
	writes := make([]TagRequest, len(reqs))
	for i, r := range reqs {
		r.Op = OpWrite
		writes[i] = r
	}
	return c.Batch(ctx, writes)
}

// Batch runs a mixed list of reads and writes. Requests are packed into
// Multiple Service Packets bounded by the message size and the item cap and
// sent one after another. Per-item failures never abort the batch; a failed
// packet fails only its own items. Cancelling ctx stops before the next
// packet and fails the remaining items with the context error.
func (c *Client) Batch(ctx context.Context, reqs []TagRequest) []TagResult {
	start := time.Now()
	results := make([]TagResult, len(reqs))
	c.syncGeneration()

	items := make([]*batchItem, 0, len(reqs))
	for i, r := range reqs {
		results[i] = TagResult{Name: r.Name, Op: r.Op}
		if err := ctx.Err(); err != nil {
			results[i].fail(err)
			continue
		}
		if it := c.prepareItem(ctx, i, r, &results[i]); it != nil {
			items = append(items, it)
		}
	}

	c.dispatch(ctx, items, results)

	elapsed := time.Since(start)
	for i := range results {
		results[i].Elapsed = elapsed
	}
	logging.DebugLog("LOGIX", "batch of %d (%d packed) in %s", len(reqs), len(items), elapsed)
	return results
}

// prepareItem resolves one request. It returns nil when the request is
// already finished: a resolution failure, or a read answered by its probe.
func (c *Client) prepareItem(ctx context.Context, idx int, r TagRequest, res *TagResult) *batchItem {
	it := &batchItem{idx: idx, req: r}

	if r.Op == OpWrite {
		m, v, cached, err := c.prepareWrite(ctx, r.Name, r.Value, r.Type)
		if err != nil {
			res.fail(err)
			return nil
		}
		it.meta, it.value, it.cached = m, v, cached
		it.msg = EncodeWriteTag(m.Token, v.Type(), 1, v.Encode())
		it.replySize = replyHeaderSize
	} else {
		m, ok := c.dir.Get(r.Name)
		if !ok {
			_, vals, err := c.probe(ctx, r.Name)
			if err != nil {
				res.fail(err)
			} else {
				res.succeed(vals)
			}
			return nil
		}
		if !m.Type.Supported() {
			res.fail(fmt.Errorf("%w: %s", ErrUnsupportedType, m.Type))
			return nil
		}
		it.meta, it.cached = m, true
		count := max(m.ElementCount, 1)
		it.msg = EncodeReadTag(m.Token, uint16(count))
		it.replySize = readReplySize(m.Type, count)
	}

	if it.msg.Size() > c.requestLimit() || it.replySize > c.replyLimit() {
		res.fail(fmt.Errorf("%w: request %d bytes, reply %d bytes", cip.ErrTooLarge, it.msg.Size(), it.replySize))
		return nil
	}
	return it
}

// dispatch partitions items and sends each partition in order.
func (c *Client) dispatch(ctx context.Context, items []*batchItem, results []TagResult) {
	reqLimit, replyLimit := c.requestLimit(), c.replyLimit()

	var part []*batchItem
	reqSize, replySize := cip.MultipleServiceOverhead, multipleServiceReplyOverhead
	for _, it := range items {
		addReq, addReply := 2+it.msg.Size(), 2+it.replySize
		if len(part) > 0 && (len(part) >= c.opts.maxItems ||
			reqSize+addReq > reqLimit || replySize+addReply > replyLimit) {
			c.sendPartition(ctx, part, results, reqLimit)
			part = nil
			reqSize, replySize = cip.MultipleServiceOverhead, multipleServiceReplyOverhead
		}
		part = append(part, it)
		reqSize += addReq
		replySize += addReply
	}
	if len(part) > 0 {
		c.sendPartition(ctx, part, results, reqLimit)
	}
}

func (c *Client) sendPartition(ctx context.Context, part []*batchItem, results []TagResult, reqLimit int) {
	if err := ctx.Err(); err != nil {
		for _, it := range part {
			results[it.idx].fail(err)
		}
		return
	}

	if len(part) == 1 {
		it := part[0]
		resp, err := c.roundTrip(ctx, it.msg)
		c.finishItem(ctx, it, resp, err, &results[it.idx])
		return
	}

	msgs := make([]cip.Request, len(part))
	for i, it := range part {
		msgs[i] = it.msg
	}
	replies, err := c.sendMultiple(ctx, msgs, reqLimit)
	if err != nil {
		c.log.Debug("batch packet failed", zap.Int("items", len(part)), zap.Error(err))
		for _, it := range part {
			results[it.idx].fail(err)
		}
		return
	}
	for i, it := range part {
		c.finishItem(ctx, it, replies[i], nil, &results[it.idx])
	}
}

// sendMultiple exchanges one Multiple Service Packet. Any failure of the
// envelope itself is returned; transport errors pass through unchanged and
// everything else becomes eip.ErrProtocol.
func (c *Client) sendMultiple(ctx context.Context, msgs []cip.Request, reqLimit int) ([]*cip.Response, error) {
	req, err := cip.EncodeMultipleServicePacket(msgs, reqLimit)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	replies, err := cip.DecodeMultipleServicePacket(resp, len(msgs))
	if err != nil {
		if errors.Is(err, cip.ErrMalformed) {
			return nil, protocolErr(err)
		}
		return nil, fmt.Errorf("%w: multiple service packet rejected: %w", eip.ErrProtocol, err)
	}
	return replies, nil
}

// finishItem records the reply to one item. A stale address on a cached
// entry gets one individual retry after re-resolving.
func (c *Client) finishItem(ctx context.Context, it *batchItem, resp *cip.Response, err error, res *TagResult) {
	var vals []Value
	if err == nil {
		if it.req.Op == OpWrite {
			err = protocolErr(DecodeWriteTagReply(resp))
			vals = []Value{it.value}
		} else {
			vals, err = decodeRead(resp, max(it.meta.ElementCount, 1))
		}
	}

	if it.cached && isStale(err) {
		if it.req.Op == OpWrite {
			c.dir.Evict(it.req.Name)
			var v Value
			v, err = c.write(ctx, it.req.Name, it.req.Value, it.req.Type)
			vals = []Value{v}
		} else {
			vals, err = c.reresolve(ctx, it.meta)
		}
	}

	if err != nil {
		res.fail(err)
		return
	}
	res.succeed(vals)
}
