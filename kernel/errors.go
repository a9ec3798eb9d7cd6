package kernel

import "github.com/distllama/distllama/errs"

func shiftRangeErr(position, rowLen, outputSizeX int) error {
	return errs.NewRangeViolation("shift: position=%d rowLen=%d exceeds outputSize.x=%d", position, rowLen, outputSizeX)
}
