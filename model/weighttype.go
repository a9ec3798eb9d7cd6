package model

import (
	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/tensor"
)

// Weight float type codes, as they appear in the WEIGHT_FLOAT_TYPE header
// entry. Q80 is deliberately absent: it is an activation-only format in
// this engine (weights quantize to Q40, activations to Q80), never a valid
// on-disk weight encoding.
const (
	WeightTypeF32 int32 = 0
	WeightTypeF16 int32 = 1
	WeightTypeQ40 int32 = 2
)

// WeightElemType maps this header's WEIGHT_FLOAT_TYPE code to the element
// type the loader and device layer operate on.
func (c *ModelConfig) WeightElemType() (tensor.ElementType, error) {
	switch c.WeightFloatType {
	case WeightTypeF32:
		return tensor.F32, nil
	case WeightTypeF16:
		return tensor.F16, nil
	case WeightTypeQ40:
		return tensor.Q40, nil
	default:
		return tensor.UNK, errs.NewBadConfig("model: unrecognized WEIGHT_FLOAT_TYPE code %d", c.WeightFloatType)
	}
}
