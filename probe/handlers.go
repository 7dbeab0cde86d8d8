package probe

import (
	"context"

	"cellrpc/codec"
	"cellrpc/message"
	"cellrpc/server"
	"cellrpc/state"
)

func synHandler(ctx context.Context, req *message.Request, slot *state.Slot) (codec.FieldList, error) {
	r, err := ParseRequest(req.Fields)
	if err != nil {
		return nil, err
	}
	slot.Store(CalcForSyn(r))
	return nil, nil
}

func asynHandler(ctx context.Context, req *message.Request, slot *state.Slot) (codec.FieldList, error) {
	r, err := ParseRequest(req.Fields)
	if err != nil {
		return nil, err
	}
	slot.Store(CalcForAsyn(r))
	return nil, nil
}

func synWithRspHandler(ctx context.Context, req *message.Request, slot *state.Slot) (codec.FieldList, error) {
	r, err := ParseRequest(req.Fields)
	if err != nil {
		return nil, err
	}
	result, resp := CalcForSynRsp(r)
	slot.Store(result)
	return codec.FieldList{resp}, nil
}

// Register binds the six probe handlers on srv.
func Register(srv *server.Server) error {
	handlers := []struct {
		desc *message.Descriptor
		h    server.HandlerFunc
	}{
		{Syn, synHandler},
		{Syn1, synHandler},
		{Asyn, asynHandler},
		{Asyn1, asynHandler},
		{SynWithRsp, synWithRspHandler},
		{SynWithRsp1, synWithRspHandler},
	}
	for _, h := range handlers {
		if err := srv.Register(h.desc, h.h); err != nil {
			return err
		}
	}
	return nil
}
