package reassembly

import "github.com/homatransport/homa/internal/bufpool"

// CopyToUser copies bytes from the head of msg's fragment list into pool,
// bpage chunk by bpage chunk, advancing copied_out as each chunk lands
// (spec §4.1). It stops at the first gap, at total_length, or on a
// buffer-pool error, and holds msg's own lock only across the bookkeeping
// steps -- never while pool.CopyToUser is in flight, so concurrent
// AddPacket calls may extend the tail throughout (spec §5).
//
// CopyToUser is idempotent across retries: a failure at byte k leaves
// copied_out at k, so a subsequent call resumes there without duplicating
// earlier bytes.
func CopyToUser(msg *InboundMessage, rpcKey uint64, pool bufpool.Pool) error {
	bpage := int64(pool.BPageSize())
	if bpage <= 0 {
		bpage = 4096
	}

	for {
		msg.mu.Lock()
		if len(msg.fragments) == 0 {
			msg.mu.Unlock()
			return nil
		}
		frag := msg.fragments[0]
		if frag.Offset != msg.copiedOut {
			msg.mu.Unlock()
			return nil
		}
		if msg.totalLength >= 0 && msg.copiedOut >= msg.totalLength {
			msg.mu.Unlock()
			return nil
		}

		chunkLen := frag.Length
		if chunkLen > bpage {
			chunkLen = bpage
		}
		payload := frag.Payload[:chunkLen]
		offset := msg.copiedOut
		msg.mu.Unlock()

		if err := pool.CopyToUser(rpcKey, offset, payload); err != nil {
			return err
		}

		msg.mu.Lock()
		msg.copiedOut += chunkLen
		if chunkLen >= frag.Length {
			msg.fragments = msg.fragments[1:]
		} else {
			msg.fragments[0] = Fragment{
				Offset:  frag.Offset + chunkLen,
				Length:  frag.Length - chunkLen,
				Payload: frag.Payload[chunkLen:],
			}
		}
		msg.mu.Unlock()
	}
}

