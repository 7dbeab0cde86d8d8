// Package probe is the conformance stub of cellrpc: six message types that
// exercise every calling convention twice, once per sibling.
//
// Siblings (Syn/Syn1, Asyn/Asyn1, SynWithRsp/SynWithRsp1) share schema and
// computation but are distinct message types with distinct slots, so a run can
// tell which handler actually served a call.
//
//	request:  FieldBeforeList int32 | Nums []int32 | FieldAfterList uint8
//	response: Result string   (SynWithRsp types only)
package probe

import (
	"fmt"

	"golang.org/x/exp/slices"

	"cellrpc/codec"
	"cellrpc/message"
	"cellrpc/rpcerr"
)

const (
	TypeSyn         message.Type = 1
	TypeSyn1        message.Type = 2
	TypeAsyn        message.Type = 3
	TypeAsyn1       message.Type = 4
	TypeSynWithRsp  message.Type = 5
	TypeSynWithRsp1 message.Type = 6
)

var RequestSchema = codec.Schema{
	codec.Scalar("FieldBeforeList", codec.KindInt32),
	codec.List("Nums", codec.KindInt32),
	codec.Scalar("FieldAfterList", codec.KindUint8),
}

var ResponseSchema = codec.Schema{
	codec.String("Result"),
}

var (
	Syn         = &message.Descriptor{Type: TypeSyn, Name: "TestSyn", Mode: message.ModeSyn, Request: RequestSchema}
	Syn1        = &message.Descriptor{Type: TypeSyn1, Name: "TestSyn1", Mode: message.ModeSyn, Request: RequestSchema}
	Asyn        = &message.Descriptor{Type: TypeAsyn, Name: "TestAsyn", Mode: message.ModeAsyn, Request: RequestSchema}
	Asyn1       = &message.Descriptor{Type: TypeAsyn1, Name: "TestAsyn1", Mode: message.ModeAsyn, Request: RequestSchema}
	SynWithRsp  = &message.Descriptor{Type: TypeSynWithRsp, Name: "TestSynWithRsp", Mode: message.ModeSynWithRsp, Request: RequestSchema, Response: ResponseSchema}
	SynWithRsp1 = &message.Descriptor{Type: TypeSynWithRsp1, Name: "TestSynWithRsp1", Mode: message.ModeSynWithRsp, Request: RequestSchema, Response: ResponseSchema}
)

// Descriptors lists the six probe types in type order.
func Descriptors() []*message.Descriptor {
	return []*message.Descriptor{Syn, Syn1, Asyn, Asyn1, SynWithRsp, SynWithRsp1}
}

// Request is the typed form of a probe request.
type Request struct {
	Before int32
	Nums   []int32
	After  uint8
}

func (r Request) Fields() codec.FieldList {
	nums := r.Nums
	if nums == nil {
		nums = []int32{}
	}
	return codec.FieldList{r.Before, nums, r.After}
}

func (r Request) String() string {
	return fmt.Sprintf("(%d,%v,%d)", r.Before, r.Nums, r.After)
}

// ParseRequest converts decoded fields back into a Request.
func ParseRequest(fields codec.FieldList) (Request, error) {
	if err := RequestSchema.Conforms(fields); err != nil {
		return Request{}, err
	}
	return Request{
		Before: fields[0].(int32),
		Nums:   fields[1].([]int32),
		After:  fields[2].(uint8),
	}, nil
}

func sum(nums []int32) int64 {
	var s int64
	for _, n := range nums {
		s += int64(n)
	}
	return s
}

// CalcForSyn is the value a Syn handler stores: before + Σnums + after.
func CalcForSyn(r Request) int64 {
	return int64(r.Before) + sum(r.Nums) + int64(r.After)
}

// CalcForAsyn is the value an Asyn handler stores: before*after + Σnums.
func CalcForAsyn(r Request) int64 {
	return int64(r.Before)*int64(r.After) + sum(r.Nums)
}

// CalcForSynRsp returns the value a SynWithRsp handler stores (before + Σnums -
// after) and the response string it returns ("before,Σnums,after").
func CalcForSynRsp(r Request) (int64, string) {
	s := sum(r.Nums)
	return int64(r.Before) + s - int64(r.After), fmt.Sprintf("%d,%d,%d", r.Before, s, r.After)
}

// Cases is the conformance data set.
var Cases = []Request{
	{Before: 1, Nums: []int32{1, 2, 3, 4}, After: 4},
	{Before: 2, Nums: []int32{2, 0, 4, 8}, After: 8},
	{Before: 233, Nums: []int32{123, 124, 75, 43}, After: 128},
	{Before: 12, Nums: []int32{77, 88, 9, 8}, After: 8},
	{Before: 12, Nums: []int32{77, 88, 9, 8, 77, 88, 9, 8, 77, 88, 9, 8, 77, 88, 9, 8}, After: 8},
}

// ExpectOnly checks the board after a call of type want: its slot holds value,
// it is the only type touched since the last reset, and every other slot still
// holds its zero value. touched comes from state.Board.Touched, so a write of
// zero to the wrong slot is still caught.
func ExpectOnly(snapshot map[message.Type]int64, touched []message.Type, want message.Type, value int64) error {
	got, ok := snapshot[want]
	if !ok {
		return fmt.Errorf("no slot for type %d: %w", want, rpcerr.ErrUnhandledMessageType)
	}
	if got != value {
		return fmt.Errorf("slot %d = %d, want %d", want, got, value)
	}
	if !slices.Contains(touched, want) {
		return fmt.Errorf("slot %d never written while calling it", want)
	}
	for _, t := range touched {
		if t != want {
			return fmt.Errorf("slot %d touched while calling %d", t, want)
		}
	}
	for t, v := range snapshot {
		if t != want && v != 0 {
			return fmt.Errorf("slot %d = %d, want untouched while calling %d", t, v, want)
		}
	}
	return nil
}
