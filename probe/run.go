package probe

import (
	"context"
	"fmt"
	"time"

	"cellrpc/message"
	"cellrpc/state"
)

// Inspector gives a run access to the server's slots. A run against a remote
// server has none and verifies only what comes back over the wire.
type Inspector interface {
	Snapshot() map[message.Type]int64
	Touched() []message.Type
	WaitDone(ctx context.Context, t message.Type) error
	Reset()
}

type boardInspector struct {
	board *state.Board
}

// BoardInspector inspects an in-process server's board.
func BoardInspector(b *state.Board) Inspector {
	return boardInspector{board: b}
}

func (i boardInspector) Snapshot() map[message.Type]int64 { return i.board.Snapshot() }

func (i boardInspector) Touched() []message.Type { return i.board.Touched() }

func (i boardInspector) WaitDone(ctx context.Context, t message.Type) error {
	return i.board.Event(t).Wait(ctx)
}

func (i boardInspector) Reset() { i.board.Reset() }

// Outcome is the result of one probe call.
type Outcome struct {
	Case    int
	Request Request
	Type    *message.Descriptor
	Elapsed time.Duration
	Err     error
}

type Report []Outcome

func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Run calls every probe type with every request in cases. For each request the
// order is SynWithRsp, SynWithRsp1, Syn, Syn1, Asyn, Asyn1, and with an
// inspector the board is checked and reset after every call.
//
// callTimeout bounds each Syn and SynWithRsp call (0: only ctx applies) and
// asyncTimeout the wait for each Asyn completion.
func Run(ctx context.Context, pc *Client, insp Inspector, cases []Request, callTimeout, asyncTimeout time.Duration) Report {
	var report Report
	for i, r := range cases {
		for _, desc := range []*message.Descriptor{SynWithRsp, SynWithRsp1, Syn, Syn1, Asyn, Asyn1} {
			start := time.Now()
			err := runOne(ctx, pc, insp, desc, r, callTimeout, asyncTimeout)
			report = append(report, Outcome{Case: i, Request: r, Type: desc, Elapsed: time.Since(start), Err: err})
			if insp != nil {
				insp.Reset()
			}
		}
	}
	return report
}

func runOne(ctx context.Context, pc *Client, insp Inspector, desc *message.Descriptor, r Request, callTimeout, asyncTimeout time.Duration) error {
	if callTimeout > 0 && desc.Mode != message.ModeAsyn {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	var want int64
	switch desc.Mode {
	case message.ModeSynWithRsp:
		result, wantResp := CalcForSynRsp(r)
		resp, err := pc.synWithRsp(ctx, desc, r)
		if err != nil {
			return err
		}
		if resp != wantResp {
			return fmt.Errorf("response %q, want %q", resp, wantResp)
		}
		want = result

	case message.ModeSyn:
		if err := pc.c.CallSyn(ctx, pc.partition, desc, r.Fields()); err != nil {
			return err
		}
		want = CalcForSyn(r)

	case message.ModeAsyn:
		comp, err := pc.c.CallAsyn(ctx, pc.partition, desc, r.Fields())
		if err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, asyncTimeout)
		defer cancel()
		if err := comp.Wait(waitCtx); err != nil {
			return err
		}
		if insp != nil {
			// the slot may still be changing until the server-side event is set
			if err := insp.WaitDone(waitCtx, desc.Type); err != nil {
				return err
			}
		}
		want = CalcForAsyn(r)
	}

	if insp == nil {
		return nil
	}
	return ExpectOnly(insp.Snapshot(), insp.Touched(), desc.Type, want)
}
