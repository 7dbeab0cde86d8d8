package message

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cellrpc/codec"
	"cellrpc/protocol"
	"cellrpc/rpcerr"
)

func TestModeKindMapping(t *testing.T) {
	for _, m := range []Mode{ModeSyn, ModeAsyn, ModeSynWithRsp} {
		k := m.Kind()
		assert.True(t, k.IsRequest(), "%s", m)

		back, ok := ModeOf(k)
		assert.True(t, ok)
		assert.Equal(t, m, back)
	}

	_, ok := ModeOf(protocol.KindAck)
	assert.False(t, ok)
	assert.Equal(t, protocol.Kind(0), Mode(42).Kind())
}

func TestDescriptorValidate(t *testing.T) {
	req := codec.Schema{codec.Scalar("a", codec.KindInt32)}
	rsp := codec.Schema{codec.String("result")}

	ok := &Descriptor{Type: 1, Name: "Echo", Mode: ModeSynWithRsp, Request: req, Response: rsp}
	assert.NoError(t, ok.Validate())
	assert.Equal(t, "Echo(1,SynWithRsp)", ok.String())

	noMode := &Descriptor{Type: 2, Name: "NoMode", Request: req}
	assert.ErrorIs(t, noMode.Validate(), rpcerr.ErrSchemaMismatch)

	synWithResponse := &Descriptor{Type: 3, Name: "Syn", Mode: ModeSyn, Request: req, Response: rsp}
	assert.ErrorIs(t, synWithResponse.Validate(), rpcerr.ErrSchemaMismatch)

	badRequest := &Descriptor{Type: 4, Name: "Bad", Mode: ModeAsyn, Request: codec.Schema{{Name: "x"}}}
	assert.ErrorIs(t, badRequest.Validate(), rpcerr.ErrSchemaMismatch)
}
