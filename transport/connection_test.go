package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlaymesh/hub/logging"
	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/wire"
)

func noopEventHandler(*Connection, peerid.PeerId, wire.Message) {}

// TestBestOutboundStreamConsultsOutboundMap pins bestOutboundStream to
// the outbound map: a target registered only in inbound must not be
// found, even though debugProbeInboundStream confirms it is present
// there. An earlier revision read the wrong map here by mistake.
func TestBestOutboundStreamConsultsOutboundMap(t *testing.T) {
	c := New(nil, nil, logging.Nop(), noopEventHandler)

	var inboundOnly, outboundMatch, outboundOther peerid.PeerId
	inboundOnly[0] = 0x01
	outboundMatch[0] = 0x02
	outboundOther[0] = 0x0A

	// Two outbound entries keep the single-stream fallback out of play,
	// so only an exact outbound match can satisfy the lookup.
	c.mu.Lock()
	c.inbound[inboundOnly] = &peerStream{}
	c.outbound[outboundMatch] = &peerStream{}
	c.outbound[outboundOther] = &peerStream{}
	c.mu.Unlock()

	ps, err := c.bestOutboundStream(outboundMatch)
	require.NoError(t, err)
	assert.NotNil(t, ps)

	_, err = c.bestOutboundStream(inboundOnly)
	assert.Error(t, err, "a stream registered only inbound must not satisfy an outbound lookup")

	probed, ok := c.debugProbeInboundStream(inboundOnly)
	assert.True(t, ok, "the inbound registration should still be visible through the inbound-only probe")
	assert.NotNil(t, probed)
}

// TestBestOutboundStreamFallsBackWhenSingle checks the single-stream
// fallback: with exactly one outbound entry, any target resolves to
// it, matching the "one aggregated neighbor, not yet multiplexed"
// case.
func TestBestOutboundStreamFallsBackWhenSingle(t *testing.T) {
	c := New(nil, nil, logging.Nop(), noopEventHandler)

	var only, lookup peerid.PeerId
	only[0] = 0x03
	lookup[0] = 0x04

	want := &peerStream{}
	c.mu.Lock()
	c.outbound[only] = want
	c.mu.Unlock()

	got, err := c.bestOutboundStream(lookup)
	require.NoError(t, err)
	assert.Same(t, want, got)
}

// TestBestOutboundStreamNoRouteWhenAmbiguous checks that with more
// than one outbound entry and no exact match, the lookup fails rather
// than guessing.
func TestBestOutboundStreamNoRouteWhenAmbiguous(t *testing.T) {
	c := New(nil, nil, logging.Nop(), noopEventHandler)

	var a, b, lookup peerid.PeerId
	a[0], b[0], lookup[0] = 0x05, 0x06, 0x07

	c.mu.Lock()
	c.outbound[a] = &peerStream{}
	c.outbound[b] = &peerStream{}
	c.mu.Unlock()

	_, err := c.bestOutboundStream(lookup)
	assert.Error(t, err)
}
