package logix

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"

	"eiptag/eip"
)

// skipSymbol filters program entries, routines, tasks, module connections
// and system symbols out of a listing.
func skipSymbol(e SymbolEntry) bool {
	return e.System() || strings.HasPrefix(e.Name, "__") || strings.Contains(e.Name, ":")
}

// DiscoverTags lists the controller-scope tags page by page. Each page is
// stored in the directory before its entries are yielded, names are yielded
// once, and stopping the iteration stops the paging. A failure is yielded
// as the final element.
func (c *Client) DiscoverTags(ctx context.Context) iter.Seq2[TagMetadata, error] {
	return func(yield func(TagMetadata, error) bool) {
		c.syncGeneration()
		seen := make(map[string]struct{})
		var start uint32
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(TagMetadata{}, err)
				return
			}

			entries, more, next, err := c.listPage(ctx, start)
			if err != nil {
				yield(TagMetadata{}, fmt.Errorf("list tags from instance %d: %w", start, err))
				return
			}

			batch := make([]TagMetadata, 0, len(entries))
			for _, e := range entries {
				if skipSymbol(e) {
					continue
				}
				if _, dup := seen[e.Name]; dup {
					continue
				}
				seen[e.Name] = struct{}{}
				m, err := e.Metadata()
				if err != nil {
					c.log.Debug("skipping symbol", zap.String("name", e.Name), zap.Error(err))
					continue
				}
				if c.opts.instanceAddressing {
					m.Token = instancePath(e.Instance)
				}
				batch = append(batch, m)
			}
			c.dir.putAll(batch)
			c.log.Debug("tag page", zap.Int("page", page), zap.Int("entries", len(entries)), zap.Int("tags", len(batch)))

			for _, m := range batch {
				if !yield(m, nil) {
					return
				}
			}
			if !more {
				return
			}
			if next <= start {
				yield(TagMetadata{}, fmt.Errorf("%w: symbol listing did not advance past instance %d", eip.ErrProtocol, start))
				return
			}
			start = next
		}
	}
}

func (c *Client) listPage(ctx context.Context, start uint32) ([]SymbolEntry, bool, uint32, error) {
	resp, err := c.roundTrip(ctx, EncodeListTagsRequest(start))
	if err != nil {
		return nil, false, 0, err
	}
	entries, more, next, err := DecodeListTagsReply(resp)
	return entries, more, next, protocolErr(err)
}

// DiscoverAll collects DiscoverTags. On failure the tags found so far are
// returned with the error.
func (c *Client) DiscoverAll(ctx context.Context) ([]TagMetadata, error) {
	var out []TagMetadata
	for m, err := range c.DiscoverTags(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
